package session

import (
	"context"
	"fmt"

	"github.com/halcyonlabs/voicegate/internal/protocol"
	"github.com/halcyonlabs/voicegate/pkg/provider/asr"
)

// startFallback launches the fallback recognizer supervisor. It owns
// the recognizer stream lifecycle including retries; the coordinator
// only sees transcripts, retry ticks and the final failure.
func (c *Coordinator) startFallback(ctx context.Context) {
	asrCtx, cancel := context.WithCancel(ctx)
	c.asrCancel = cancel
	c.asrAudio = make(chan []byte, asrAudioBuffer)
	c.sttActive = true
	c.log.Info("session.fallback_started")

	c.asrWG.Add(1)
	go func() {
		defer c.asrWG.Done()
		err := c.cfg.Backoff.RetryWithReset(asrCtx, func(ctx context.Context, _ int, reset func()) error {
			return c.runRecognizerStream(ctx, reset)
		}, func(_ int, err error) {
			c.log.Warn("session.fallback_retry", "error", err)
			c.post(asrRetryMsg{})
		})
		if err != nil && asrCtx.Err() == nil {
			c.post(asrFailedMsg{err: err})
		}
	}()
}

// runRecognizerStream runs one recognizer stream to completion:
// shuttles buffered audio in and transcripts out until the stream or
// the context ends. A returned error triggers a retry. yielded is
// called once when the stream produces its first transcript, which
// restores the full retry budget for whatever failure follows.
func (c *Coordinator) runRecognizerStream(ctx context.Context, yielded func()) error {
	stream, err := c.cfg.Recognizer.StartStream(ctx, asr.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   c.cfg.LiveConfig.Language,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	first := true
	emit := func(t asr.Transcript) {
		if first {
			first = false
			yielded()
		}
		c.post(asrTranscriptMsg{t: t})
	}

	partials := stream.Partials()
	finals := stream.Finals()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pcm := <-c.asrAudio:
			if err := stream.SendAudio(pcm); err != nil {
				return err
			}
		case t, ok := <-partials:
			if !ok {
				partials = nil
				break
			}
			emit(t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				break
			}
			emit(t)
		}
		if partials == nil && finals == nil {
			if err := stream.Err(); err != nil {
				return err
			}
			return fmt.Errorf("session: recognizer stream ended")
		}
	}
}

// onFallbackTranscript forwards a fallback transcript while the
// fallback is still the authoritative source; afterwards transcripts
// are silently dropped.
func (c *Coordinator) onFallbackTranscript(ctx context.Context, t asr.Transcript) {
	if c.source != SourceFallback || !c.sttActive {
		return
	}
	if t.Final {
		c.counters.STTFinals++
	} else {
		c.counters.STTPartials++
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordTranscript(ctx, string(SourceFallback), t.Final)
	}
	if t.Final {
		c.scanUserTranscript(ctx, t.Text, SourceFallback)
	}
	c.send(protocol.UserTranscript(t.Text, !t.Final))
}

// onFallbackFailed permanently disables the fallback path. Never
// fatal: the session continues with upstream transcripts only.
func (c *Coordinator) onFallbackFailed(err error) {
	c.log.Warn("session.fallback_disabled", "error", err)
	wasAuthoritative := c.source == SourceFallback
	c.sttActive = false
	c.source = SourceUpstream
	if c.asrCancel != nil {
		c.asrCancel()
		c.asrCancel = nil
	}
	// Fallback gone while the upstream has yet to prove it transcribes
	// means the user currently gets no transcripts at all.
	if wasAuthoritative && c.counters.VertexPartials == 0 && c.counters.VertexFinals == 0 {
		c.emitState(protocol.StateNetworkDegraded)
	}
}

// muteFallback stops forwarding fallback transcripts; with
// STTDisableOnVertex it also tears the stream down.
func (c *Coordinator) muteFallback() {
	if !c.sttActive {
		return
	}
	c.sttActive = false
	if c.cfg.STTDisableOnVertex && c.asrCancel != nil {
		c.asrCancel()
		c.asrCancel = nil
		c.log.Info("session.fallback_stopped", "reason", "vertex_transcripts")
	}
}

// stopFallback cancels the supervisor during shutdown.
func (c *Coordinator) stopFallback() {
	c.sttActive = false
	if c.asrCancel != nil {
		c.asrCancel()
		c.asrCancel = nil
	}
}
