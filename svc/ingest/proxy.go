package ingest

import (
	"bufio"
	"net"

	"sockpaste/pkg/domain"

	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
)

// readProxyHeader consumes a PROXY v1 or v2 header from br. It returns the
// client address the proxy saw, or nil for LOCAL (health check) headers.
// Payload bytes after the header stay buffered in br.
func readProxyHeader(br *bufio.Reader) (net.Addr, error) {
	hdr, err := proxyproto.Read(br)
	if err != nil {
		return nil, errors.Wrap(domain.ErrProxyHeader, err.Error())
	}
	if hdr.Command.IsLocal() {
		return nil, nil
	}
	return hdr.SourceAddr, nil
}
