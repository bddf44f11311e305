package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/visionagent/backend/internal/model/chat"
)

// Chunk is one fragment of a streamed completion.
type Chunk struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

const streamBuffer = 16

// GenerateStream opens a streaming completion. The returned reader yields
// text chunks in order; an undecodable line arrives as a *DecodeError item
// and reading continues; a connection failure arrives as a final
// *TransportError item. The sequence ends with io.EOF.
//
// Callers must Close the reader. Closing it, or cancelling ctx, tears down
// the HTTP connection. When no line arrives within the client timeout the
// stream ends with a timeout *TransportError.
func (c *Client) GenerateStream(ctx context.Context, userKey, emotionTag, message string, history []chat.Turn) (*schema.StreamReader[Chunk], error) {
	prompt := c.builder.Build(userKey, emotionTag, message, history)

	ctx, cancel := context.WithCancel(ctx)
	req, err := c.newGenerateRequest(ctx, c.Model(), prompt, true)
	if err != nil {
		cancel()
		return nil, err
	}

	sr, sw := schema.Pipe[Chunk](streamBuffer)
	go func() {
		defer cancel()
		defer sw.Close()
		c.pump(req, sw, newIdleWatch(c.streamIdle, cancel))
	}()
	return sr, nil
}

// idleWatch cancels the request when the stream stays silent for d.
type idleWatch struct {
	d     time.Duration
	timer *time.Timer
	fired atomic.Bool
}

func newIdleWatch(d time.Duration, cancel context.CancelFunc) *idleWatch {
	w := &idleWatch{d: d}
	if d > 0 {
		w.timer = time.AfterFunc(d, func() {
			w.fired.Store(true)
			cancel()
		})
	}
	return w
}

func (w *idleWatch) touch() {
	if w.timer != nil {
		w.timer.Reset(w.d)
	}
}

func (w *idleWatch) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// failure classifies err, reporting a silent stream as a timeout.
func (w *idleWatch) failure(err error) *TransportError {
	if w.fired.Load() {
		return &TransportError{Reason: "stream idle timeout", Timeout: true, Err: err}
	}
	return transportFailure(err)
}

func (c *Client) pump(req *http.Request, sw *schema.StreamWriter[Chunk], idle *idleWatch) {
	defer idle.stop()

	resp, err := c.stream.Do(req)
	if err != nil {
		sw.Send(Chunk{}, idle.failure(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		sw.Send(Chunk{}, &TransportError{Reason: "unexpected status", StatusCode: resp.StatusCode})
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	line := 0
	for scanner.Scan() {
		idle.touch()
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var frag generateResponse
		if err := json.Unmarshal(raw, &frag); err != nil {
			c.log.Debug("skipping undecodable stream line", "line", line, "error", err)
			if closed := sw.Send(Chunk{}, &DecodeError{Line: line, Raw: string(raw), Err: err}); closed {
				return
			}
			continue
		}

		if frag.Error != "" {
			sw.Send(Chunk{}, &TransportError{Reason: frag.Error, StatusCode: resp.StatusCode})
			return
		}

		if frag.Response != "" || frag.Done {
			if closed := sw.Send(Chunk{Text: frag.Response, Done: frag.Done}, nil); closed {
				return
			}
		}
		if frag.Done {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		sw.Send(Chunk{}, idle.failure(err))
	}
}
