package pullpoint

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const envelope = `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:a="http://www.w3.org/2005/08/addressing">
	<s:Header>%s<a:Action>%s</a:Action><a:To>%s</a:To></s:Header>
	<s:Body>%s</s:Body>
</s:Envelope>`

const securityHeader = `<Security s:mustUnderstand="1" xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
		<UsernameToken>
			<Username>%s</Username>
			<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
			<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
			<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
		</UsernameToken>
	</Security>`

// soapClient handles SOAP requests to one device
type soapClient struct {
	http     *http.Client
	username string
	password string
}

// call posts body to endpoint and returns the parsed response envelope.
func (c *soapClient) call(ctx context.Context, endpoint, action, body string) (map[string]any, error) {
	header, err := c.security()
	if err != nil {
		return nil, err
	}
	payload := fmt.Sprintf(envelope, header, action, endpoint, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, action))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	tree, parseErr := parseTree(bytes.NewReader(data))
	if fault := lookup(tree, "envelope", "body", "fault"); fault != nil {
		return nil, fmt.Errorf("soap fault from %s: %s", endpoint, faultReason(fault))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("onvif error %d from %s", resp.StatusCode, endpoint)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return tree, nil
}

// security builds a WS-Security UsernameToken with password digest
// Base64(SHA1(nonce + created + password)).
func (c *soapClient) security() (string, error) {
	if c.username == "" {
		return "", nil
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	created := time.Now().UTC().Format(time.RFC3339)
	return fmt.Sprintf(securityHeader,
		c.username,
		passwordDigest(nonce, created, c.password),
		base64.StdEncoding.EncodeToString(nonce),
		created,
	), nil
}

func passwordDigest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func faultReason(fault any) string {
	if reason := textOf(lookup(fault, "reason", "text")); reason != "" {
		return reason
	}
	if code := textOf(lookup(fault, "code", "subcode", "value")); code != "" {
		return code
	}
	return "unknown"
}
