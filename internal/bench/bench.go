// Package bench replays tagged transfer patterns between endpoint pairs on
// the loopback fabric and verifies every payload.
package bench

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/tagfabric-go/client"
	fi "github.com/rocketbitz/tagfabric-go/fi"
	"github.com/rocketbitz/tagfabric-go/internal/config"
)

// Result summarises the transfers of one size on one pair.
type Result struct {
	Pair       int           `json:"pair" yaml:"pair"`
	Mode       string        `json:"mode" yaml:"mode"`
	Size       int           `json:"size" yaml:"size"`
	Iterations int           `json:"iterations" yaml:"iterations"`
	Path       string        `json:"path" yaml:"path"`
	Elapsed    time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Throughput reports bytes per second moved for r.
func (r Result) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Size*r.Iterations) / r.Elapsed.Seconds()
}

// Runner executes the bench configured in cfg.
type Runner struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics client.MetricHook
}

// Option customises a Runner.
type Option func(*Runner)

// WithMetrics attaches a metric hook to the clients used by the client mode.
func WithMetrics(m client.MetricHook) Option {
	return func(r *Runner) { r.metrics = m }
}

// New returns a Runner. A nil logger disables logging.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sizes returns the doubling sequence from lo up to and including hi.
func Sizes(lo, hi int) []int {
	var out []int
	for size := lo; size > 0 && size <= hi; size <<= 1 {
		out = append(out, size)
	}
	return out
}

// Run drives every configured pair in parallel. Each pair joins its own
// fabric so pairs never share ports. Results are ordered by pair then size.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	bc := r.cfg.Bench
	results := make([][]Result, bc.Pairs)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < bc.Pairs; i++ {
		i := i
		g.Go(func() error {
			fabric := fmt.Sprintf("%s/bench-%d", r.cfg.Fabric, i)
			logger := r.logger.With(zap.Int("pair", i), zap.String("mode", bc.Mode))
			res, err := r.runPair(ctx, i, fabric, logger)
			if err != nil {
				return fmt.Errorf("pair %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Result
	for _, res := range results {
		out = append(out, res...)
	}
	return out, nil
}

func (r *Runner) runPair(ctx context.Context, idx int, fabric string, logger *zap.Logger) ([]Result, error) {
	if r.cfg.Bench.Mode == "client" {
		return r.runClientPair(ctx, idx, fabric, logger)
	}
	p, err := openPair(fabric, r.cfg.EndpointOptions(logger))
	if err != nil {
		return nil, err
	}
	defer p.close()

	mode, ok := modes[r.cfg.Bench.Mode]
	if !ok {
		return nil, fmt.Errorf("unknown mode %q", r.cfg.Bench.Mode)
	}
	maxSize := r.cfg.Bench.MaxSize
	if mode.inject {
		maxSize = min(maxSize, int(p.ep[0].InjectLimit()))
	}
	sizes := Sizes(r.cfg.Bench.MinSize, maxSize)
	if len(sizes) == 0 {
		return nil, nil
	}

	src := make([]byte, sizes[len(sizes)-1])
	dst := make([]byte, len(src))
	srcMR, err := p.domain.RegisterMemory(src, fi.MRAccessLocal)
	if err != nil {
		return nil, fmt.Errorf("register source: %w", err)
	}
	defer srcMR.Close()
	dstMR, err := p.domain.RegisterMemory(dst, fi.MRAccessLocal)
	if err != nil {
		return nil, fmt.Errorf("register destination: %w", err)
	}
	defer dstMR.Close()

	results := make([]Result, 0, len(sizes))
	for _, size := range sizes {
		before := p.ep[0].Stats()
		start := time.Now()
		for it := 0; it < r.cfg.Bench.Iterations; it++ {
			xfer := transfer{
				src: src[:size], dst: dst[:size],
				srcDesc: srcMR.Descriptor(), dstDesc: dstMR.Descriptor(),
				tag: uint64(size)<<16 | uint64(it&0xffff),
			}
			if err := r.runTransfer(ctx, p, mode, xfer); err != nil {
				return nil, fmt.Errorf("%s size %d: %w", mode.name, size, err)
			}
		}
		res := Result{
			Pair:       idx,
			Mode:       mode.name,
			Size:       size,
			Iterations: r.cfg.Bench.Iterations,
			Path:       pathTaken(before, p.ep[0].Stats()),
			Elapsed:    time.Since(start),
		}
		logger.Debug("size complete", zap.Int("size", size), zap.String("path", res.Path), zap.Duration("elapsed", res.Elapsed))
		results = append(results, res)
	}
	return results, nil
}

type transfer struct {
	src, dst         []byte
	srcDesc, dstDesc fi.MRDesc
	tag              uint64
}

type xferCtx struct {
	dir string
	tag uint64
}

// runTransfer posts the send before the receive so every message lands on
// the receiver's unexpected list first.
func (r *Runner) runTransfer(ctx context.Context, p *pair, mode benchMode, x transfer) error {
	seedPayload(x.src, x.tag)
	clear(x.dst)

	ctx, cancel := withTimeout(ctx, r.cfg.Bench.Timeout)
	defer cancel()

	sendCtx := xferCtx{"send", x.tag}
	recvCtx := xferCtx{"recv", x.tag}
	if err := mode.send(p, x, sendCtx); err != nil {
		return fmt.Errorf("post send: %w", err)
	}
	p.ep[1].Progress()
	if err := mode.recv(p, x, recvCtx); err != nil {
		return fmt.Errorf("post recv: %w", err)
	}

	want := 2
	if mode.inject {
		want = 1
	}
	got, err := fi.PollN(ctx, fi.DefaultIdle, want, p.cq[0], p.cq[1])
	if err != nil {
		return err
	}
	var recv *fi.CompletionEvent
	for _, c := range got {
		if c.Err != nil {
			return c.Err
		}
		if c.Context() == recvCtx {
			recv = c.Event
		}
	}
	if recv == nil {
		return errors.New("receive completion missing")
	}
	if recv.Len != len(x.src) || recv.Tag != x.tag {
		return fmt.Errorf("unexpected completion len=%d tag=%#x", recv.Len, recv.Tag)
	}
	if mode.data && (!recv.HasData() || recv.Data != x.tag) {
		return errors.New("immediate data missing")
	}
	if !bytes.Equal(x.src, x.dst) {
		return errors.New("payload mismatch")
	}
	return nil
}

func (r *Runner) runClientPair(ctx context.Context, idx int, fabric string, logger *zap.Logger) ([]Result, error) {
	cfg := r.cfg.ClientConfig(fabric, logger)
	cfg.Metrics = r.metrics
	sender, err := client.Dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("dial sender: %w", err)
	}
	defer sender.Close()
	receiver, err := client.Dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("dial receiver: %w", err)
	}
	defer receiver.Close()

	raw, err := receiver.LocalAddress()
	if err != nil {
		return nil, err
	}
	dest, err := sender.RegisterPeer(raw, true)
	if err != nil {
		return nil, err
	}

	sizes := Sizes(r.cfg.Bench.MinSize, r.cfg.Bench.MaxSize)
	if len(sizes) == 0 {
		return nil, nil
	}
	src := make([]byte, sizes[len(sizes)-1])
	dst := make([]byte, len(src))
	results := make([]Result, 0, len(sizes))
	for _, size := range sizes {
		before := sender.EndpointStats()
		start := time.Now()
		for it := 0; it < r.cfg.Bench.Iterations; it++ {
			tag := uint64(size)<<16 | uint64(it&0xffff)
			seedPayload(src[:size], tag)
			clear(dst[:size])
			if err := clientTransfer(ctx, sender, receiver, dest, tag, src[:size], dst[:size], r.cfg.Bench.Timeout); err != nil {
				return nil, fmt.Errorf("client size %d: %w", size, err)
			}
		}
		res := Result{
			Pair:       idx,
			Mode:       "client",
			Size:       size,
			Iterations: r.cfg.Bench.Iterations,
			Path:       pathTaken(before, sender.EndpointStats()),
			Elapsed:    time.Since(start),
		}
		logger.Debug("size complete", zap.Int("size", size), zap.String("path", res.Path))
		results = append(results, res)
	}
	return results, nil
}

func clientTransfer(ctx context.Context, sender, receiver *client.Client, dest fi.Address, tag uint64, src, dst []byte, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	send, err := sender.SendToAsync(dest, tag, src)
	if err != nil {
		return err
	}
	n, err := receiver.Receive(ctx, tag, 0, dst)
	if err != nil {
		return err
	}
	if err := send.Await(ctx); err != nil {
		return err
	}
	if n != len(src) || !bytes.Equal(src, dst[:n]) {
		return errors.New("payload mismatch")
	}
	return nil
}

// pathTaken names the protocol the sender used between two stat snapshots.
func pathTaken(before, after fi.EndpointStats) string {
	switch {
	case after.RendezvousSent > before.RendezvousSent:
		return "rendezvous"
	case after.EagerSent > before.EagerSent:
		return "eager"
	case after.InjectSent > before.InjectSent:
		return "inject"
	default:
		return "none"
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func seedPayload(buf []byte, tag uint64) {
	for i := range buf {
		buf[i] = byte(uint64(i)*31 + tag)
	}
}
