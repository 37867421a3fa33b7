package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/imroc/req/v3"
)

// fetchTargetList downloads a newline-separated list of host:port
// targets from url and parses it, skipping blank lines and comments.
func fetchTargetList(url string) ([]string, error) {
	client := req.C().SetTimeout(readTimeout)
	resp, err := client.R().Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch target list: %w", err)
	}
	if resp.IsErrorState() {
		return nil, fmt.Errorf("fetch target list: server returned %s", resp.Status)
	}

	var targets []string
	scanner := bufio.NewScanner(strings.NewReader(resp.String()))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	return targets, scanner.Err()
}
