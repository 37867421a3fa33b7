package wire

import "fmt"

// EncryptedExtensions carries the server's TLS 1.3 reply to
// ClientHello extensions that do not need to be negotiated in
// ServerHello (RFC 8446 §4.3.1).
type EncryptedExtensions struct {
	ALPNProtocol        string
	EarlyDataAccepted   bool
	Extensions          []Extension
}

func ParseEncryptedExtensions(body []byte) (*EncryptedExtensions, error) {
	r := NewReader(body)
	exts, err := ReadExtensions(r)
	if err != nil {
		return nil, fmt.Errorf("wire: encrypted extensions: %w", err)
	}
	ee := &EncryptedExtensions{Extensions: exts}
	for _, e := range exts {
		switch e.Type {
		case ExtALPN:
			er := NewReader(e.Body)
			list, err := er.ReadUint16LengthPrefixed()
			if err != nil {
				return nil, err
			}
			if !list.Empty() {
				proto, err := list.ReadUint8LengthPrefixed()
				if err != nil {
					return nil, err
				}
				ee.ALPNProtocol = string(proto.Remaining())
			}
		case ExtEarlyData:
			ee.EarlyDataAccepted = true
		}
	}
	return ee, nil
}

// CertificateEntry is one certificate plus its extensions in a
// TLS 1.3 Certificate message (RFC 8446 §4.4.2).
type CertificateEntry struct {
	Data       []byte
	Extensions []Extension
}

type Certificate struct {
	RequestContext []byte
	CertList       []CertificateEntry
}

func ParseCertificate(body []byte) (*Certificate, error) {
	r := NewReader(body)
	ctx, err := r.ReadUint8LengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: certificate request context: %w", err)
	}
	cert := &Certificate{RequestContext: ctx.Remaining()}

	list, err := r.ReadUint24LengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: certificate list: %w", err)
	}
	for !list.Empty() {
		data, err := list.ReadUint24LengthPrefixed()
		if err != nil {
			return nil, err
		}
		exts, err := ReadExtensions(list)
		if err != nil {
			return nil, err
		}
		cert.CertList = append(cert.CertList, CertificateEntry{Data: data.Remaining(), Extensions: exts})
	}
	return cert, nil
}

// CertificateRequest asks the client to authenticate with a certificate
// (RFC 8446 §4.3.2). For the main handshake's CertificateRequest the
// request context is always empty; a non-empty context only appears on
// post-handshake authentication, which this client never triggers.
type CertificateRequest struct {
	RequestContext   []byte
	Extensions       []Extension
	SignatureSchemes []uint16
}

func ParseCertificateRequest(body []byte) (*CertificateRequest, error) {
	r := NewReader(body)
	reqCtx, err := r.ReadUint8LengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: certificate request context: %w", err)
	}
	exts, err := ReadExtensions(r)
	if err != nil {
		return nil, fmt.Errorf("wire: certificate request extensions: %w", err)
	}
	cr := &CertificateRequest{RequestContext: reqCtx.Remaining(), Extensions: exts}
	if sa, ok := FindExtension(exts, ExtSignatureAlgorithms); ok {
		er := NewReader(sa.Body)
		list, err := er.ReadUint16LengthPrefixed()
		if err != nil {
			return nil, fmt.Errorf("wire: certificate request signature_algorithms: %w", err)
		}
		for !list.Empty() {
			v, err := list.ReadUint16()
			if err != nil {
				return nil, err
			}
			cr.SignatureSchemes = append(cr.SignatureSchemes, v)
		}
	}
	return cr, nil
}

// CertificateVerify carries the signature over the handshake
// transcript proving possession of the certificate's private key
// (RFC 8446 §4.4.3).
type CertificateVerify struct {
	Algorithm uint16
	Signature []byte
}

func ParseCertificateVerify(body []byte) (*CertificateVerify, error) {
	r := NewReader(body)
	alg, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("wire: certificate verify algorithm: %w", err)
	}
	sig, err := r.ReadUint16LengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: certificate verify signature: %w", err)
	}
	return &CertificateVerify{Algorithm: alg, Signature: sig.Remaining()}, nil
}

func (cv *CertificateVerify) Marshal() []byte {
	b := NewBuilder()
	b.AddUint16(cv.Algorithm)
	b.AddUint16LengthPrefixed(func(inner *Builder) { inner.AddBytes(cv.Signature) })
	return b.Bytes()
}

// Finished carries the HMAC proving both sides agree on the
// transcript and derived keys (RFC 8446 §4.4.4).
type Finished struct {
	VerifyData []byte
}

func ParseFinished(body []byte) (*Finished, error) {
	return &Finished{VerifyData: body}, nil
}

func (f *Finished) Marshal() []byte {
	return f.VerifyData
}

// NewSessionTicket carries a server-issued resumption ticket
// (RFC 8446 §4.6.1).
type NewSessionTicket struct {
	LifetimeSeconds uint32
	AgeAdd          uint32
	Nonce           []byte
	Ticket          []byte
	MaxEarlyData    uint32
}

func ParseNewSessionTicket(body []byte) (*NewSessionTicket, error) {
	r := NewReader(body)
	lifetime, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("wire: new session ticket lifetime: %w", err)
	}
	ageAdd, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("wire: new session ticket age add: %w", err)
	}
	nonce, err := r.ReadUint8LengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: new session ticket nonce: %w", err)
	}
	ticket, err := r.ReadUint16LengthPrefixed()
	if err != nil {
		return nil, fmt.Errorf("wire: new session ticket: %w", err)
	}
	nst := &NewSessionTicket{
		LifetimeSeconds: lifetime,
		AgeAdd:          ageAdd,
		Nonce:           nonce.Remaining(),
		Ticket:          ticket.Remaining(),
	}
	if !r.Empty() {
		exts, err := ReadExtensions(r)
		if err != nil {
			return nil, fmt.Errorf("wire: new session ticket extensions: %w", err)
		}
		if ed, ok := FindExtension(exts, ExtEarlyData); ok {
			er := NewReader(ed.Body)
			v, err := er.ReadUint32()
			if err != nil {
				return nil, err
			}
			nst.MaxEarlyData = v
		}
	}
	return nst, nil
}

// KeyUpdateRequest names whether a KeyUpdate also asks the peer to
// update its own sending keys (RFC 8446 §4.6.3).
type KeyUpdateRequest uint8

const (
	UpdateNotRequested KeyUpdateRequest = 0
	UpdateRequested    KeyUpdateRequest = 1
)

type KeyUpdate struct {
	RequestUpdate KeyUpdateRequest
}

func ParseKeyUpdate(body []byte) (*KeyUpdate, error) {
	if len(body) != 1 {
		return nil, fmt.Errorf("wire: key update body has length %d, want 1", len(body))
	}
	return &KeyUpdate{RequestUpdate: KeyUpdateRequest(body[0])}, nil
}

func (k *KeyUpdate) Marshal() []byte {
	return []byte{byte(k.RequestUpdate)}
}

// AlertLevel and AlertDescription implement the Alert protocol
// message (RFC 8446 §6).
type AlertLevel uint8

const (
	AlertLevelWarning AlertLevel = 1
	AlertLevelFatal   AlertLevel = 2
)

type AlertDescription uint8

const (
	AlertCloseNotify            AlertDescription = 0
	AlertUnexpectedMessage      AlertDescription = 10
	AlertBadRecordMAC           AlertDescription = 20
	AlertRecordOverflow         AlertDescription = 22
	AlertHandshakeFailure       AlertDescription = 40
	AlertBadCertificate         AlertDescription = 42
	AlertUnsupportedCertificate AlertDescription = 43
	AlertCertificateRevoked     AlertDescription = 44
	AlertCertificateExpired     AlertDescription = 45
	AlertCertificateUnknown     AlertDescription = 46
	AlertIllegalParameter       AlertDescription = 47
	AlertUnknownCA              AlertDescription = 48
	AlertDecodeError            AlertDescription = 50
	AlertDecryptError           AlertDescription = 51
	AlertProtocolVersion        AlertDescription = 70
	AlertInsufficientSecurity   AlertDescription = 71
	AlertInternalError          AlertDescription = 80
	AlertMissingExtension       AlertDescription = 109
	AlertUnsupportedExtension   AlertDescription = 110
	AlertUnrecognizedName       AlertDescription = 112
	AlertBadCertificateStatus   AlertDescription = 113
	AlertUnknownPSKIdentity     AlertDescription = 115
	AlertNoApplicationProtocol  AlertDescription = 120
)

type Alert struct {
	Level       AlertLevel
	Description AlertDescription
}

func ParseAlert(body []byte) (*Alert, error) {
	if len(body) != 2 {
		return nil, fmt.Errorf("wire: alert body has length %d, want 2", len(body))
	}
	return &Alert{Level: AlertLevel(body[0]), Description: AlertDescription(body[1])}, nil
}

func (a *Alert) Marshal() []byte {
	return []byte{byte(a.Level), byte(a.Description)}
}

func (a *Alert) Error() string {
	return fmt.Sprintf("tls alert: level=%d description=%d", a.Level, a.Description)
}
