package client

import (
	"bufio"
	"context"
	"net/http"
	"strings"

	"github.com/heleneproject/helene/internal/logging"
	"github.com/heleneproject/helene/internal/wire"
)

// connectSSE opens the long-lived event stream for HTTP_SSE mode (spec.md
// §4.6/§4.8) and feeds decoded EVENT frames to handleInbound until ctx is
// cancelled or the server closes the stream, at which point it is the
// caller's job to decide whether to redial. A client's own periodic HTTP
// POST calls (runInit, Call, Subscribe) are what keep the paired server
// session's activity fresh; this stream carries no inbound traffic of its
// own (spec.md §4.6: "all further inbound traffic ... arrives via HTTP
// POST").
func (c *Client) connectSSE(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.HTTPURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-client-id", c.uuid)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errSSEStatus(resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		case line == "":
			if len(dataLines) == 0 {
				continue
			}
			payload := strings.Join(dataLines, "\n")
			dataLines = nil
			frame, err := wire.Decode([]byte(payload))
			if err != nil {
				logging.Client().Warn().Err(err).Msg("undecodable sse event, dropping")
				continue
			}
			c.handleInbound(frame)
		}
	}
	return scanner.Err()
}

type errSSEStatus string

func (e errSSEStatus) Error() string { return "client: sse: unexpected status " + string(e) }
