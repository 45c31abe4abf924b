package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/snarg/speechrun/internal/retry"
)

// ErrUnsupportedEncoding is returned for encodings the pacer cannot size.
var ErrUnsupportedEncoding = errors.New("unsupported stream encoding")

// BytesPerSecond returns the byte rate of mono audio in enc.
func BytesPerSecond(enc string, sampleRate int) (int, error) {
	switch enc {
	case "LINEAR16":
		return sampleRate * 2, nil
	case "MULAW", "ALAW":
		return sampleRate, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

// Pacer cuts raw audio from a reader into fixed-duration frames. With
// Realtime set, frame n is not released before start + n*FrameDuration.
// A file reader yields a finite sequence; a live reader never ends.
type Pacer struct {
	r          io.Reader
	frameBytes int
	byteRate   int
	frameDur   time.Duration
	realtime   bool
	clock      retry.Clock

	start time.Time
	sent  time.Duration
}

func NewPacer(r io.Reader, cfg Config, frameDur time.Duration, realtime bool, clock retry.Clock) (*Pacer, error) {
	rate, err := BytesPerSecond(cfg.Encoding, cfg.SampleRateHertz)
	if err != nil {
		return nil, err
	}
	if frameDur <= 0 {
		return nil, fmt.Errorf("frame duration %s must be positive", frameDur)
	}
	if clock == nil {
		clock = retry.SystemClock{}
	}
	n := int(int64(rate) * int64(frameDur) / int64(time.Second))
	if cfg.Encoding == "LINEAR16" {
		n &^= 1 // whole samples
	}
	if n <= 0 {
		return nil, fmt.Errorf("frame duration %s is shorter than one sample", frameDur)
	}
	return &Pacer{r: r, frameBytes: n, byteRate: rate, frameDur: frameDur, realtime: realtime, clock: clock}, nil
}

// Next returns the next frame and its duration. The final frame of a
// finite reader may be short. io.EOF marks the end of input.
func (p *Pacer) Next(ctx context.Context) ([]byte, time.Duration, error) {
	buf := make([]byte, p.frameBytes)
	n, err := io.ReadFull(p.r, buf)
	switch {
	case errors.Is(err, io.EOF):
		return nil, 0, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		buf = buf[:n]
	case err != nil:
		return nil, 0, err
	}
	d := time.Duration(int64(n) * int64(time.Second) / int64(p.byteRate))

	if p.realtime {
		if p.start.IsZero() {
			p.start = p.clock.Now()
		}
		if wait := p.start.Add(p.sent).Sub(p.clock.Now()); wait > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-p.clock.After(wait):
			}
		}
	}
	p.sent += d
	return buf, d, nil
}

// Sent reports the audio duration released so far.
func (p *Pacer) Sent() time.Duration { return p.sent }

// Pump feeds every frame from p into s until the reader ends or ctx is
// cancelled. It does not close the session.
func Pump(ctx context.Context, p *Pacer, s *Session) error {
	for {
		frame, d, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.SendAudio(ctx, frame, d); err != nil {
			return err
		}
	}
}
