// Package iothread manages a fixed pool of dedicated I/O dispatch
// threads, each running its own internal/mevent.Loop. Devices whose
// host-side I/O (disk, swtpm socket, CBC channel) would otherwise stall
// the single ioreq dispatch loop register their fds with an iothread
// context instead.
//
// Grounded on the general idiom of a goroutine-per-worker pool
// synchronized with golang.org/x/sync/errgroup, adapted to spec.md §4.2's
// fixed-pool, CPU-affine, epoll-backed iothread contract.
package iothread

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/projectacrn/acrn-hypervisor-sub000/internal/mevent"
)

// Context is one member of the pool: a name, a CPU affinity mask, and its
// own event loop running on a dedicated goroutine.
type Context struct {
	name string
	mask []int // CPU indices, empty means unconstrained

	loop *mevent.Loop
	log  *slog.Logger

	mu      sync.Mutex
	started bool
}

// Pool is a fixed-size collection of iothread Contexts, named
// "iothr-<idx>-<tag>" per spec.md §4.2.
type Pool struct {
	tag string
	log *slog.Logger

	contexts []*Context
	next     int
	mu       sync.Mutex

	grp    *errgroup.Group
	cancel context.CancelFunc
}

// ParseOptions parses the iothread_parse_options syntax:
// N[@mask1[/mask2[/.../maskN]]] — N contexts, optionally one CPU affinity
// mask per context given as a comma-separated list of CPU indices.
func ParseOptions(spec string) (count int, masks [][]int, err error) {
	if spec == "" {
		return 0, nil, fmt.Errorf("iothread: empty option string")
	}
	countStr := spec
	var maskStr string
	if idx := strings.IndexByte(spec, '@'); idx >= 0 {
		countStr = spec[:idx]
		maskStr = spec[idx+1:]
	}
	n, err := strconv.Atoi(countStr)
	if err != nil || n <= 0 {
		return 0, nil, fmt.Errorf("iothread: invalid count %q", countStr)
	}
	if maskStr == "" {
		return n, nil, nil
	}
	rawMasks := strings.Split(maskStr, "/")
	if len(rawMasks) != n {
		return 0, nil, fmt.Errorf("iothread: %d CPU masks given for %d contexts", len(rawMasks), n)
	}
	masks = make([][]int, n)
	for i, raw := range rawMasks {
		cpus, perr := parseMask(raw)
		if perr != nil {
			return 0, nil, fmt.Errorf("iothread: mask %d: %w", i, perr)
		}
		masks[i] = cpus
	}
	return n, masks, nil
}

func parseMask(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	cpus := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid CPU index %q", p)
		}
		cpus = append(cpus, n)
	}
	return cpus, nil
}

// New builds a Pool with count contexts tagged with tag, e.g.
// "iothr-0-blk" for tag "blk". masks may be nil (unconstrained) or must
// have exactly count entries.
func New(tag string, count int, masks [][]int, log *slog.Logger) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("iothread: count must be positive")
	}
	if masks != nil && len(masks) != count {
		return nil, fmt.Errorf("iothread: %d masks given for %d contexts", len(masks), count)
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{tag: tag, log: log, contexts: make([]*Context, count)}
	for i := 0; i < count; i++ {
		loop, err := mevent.New(log)
		if err != nil {
			p.closePartial(i)
			return nil, fmt.Errorf("iothread: context %d: %w", i, err)
		}
		var mask []int
		if masks != nil {
			mask = masks[i]
		}
		p.contexts[i] = &Context{
			name: fmt.Sprintf("iothr-%d-%s", i, tag),
			mask: mask,
			loop: loop,
			log:  log,
		}
	}
	return p, nil
}

func (p *Pool) closePartial(n int) {
	for i := 0; i < n; i++ {
		if p.contexts[i] != nil {
			p.contexts[i].loop.Close()
		}
	}
}

// Create starts every context's dispatch loop on its own goroutine,
// applying CPU affinity before entering Dispatch. Create retries
// sched_setaffinity for as long as it fails with EINTR, matching spec.md §4.2's retry-on-EINTR
// contract for thread setup syscalls.
func (p *Pool) Create(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	grp, runCtx := errgroup.WithContext(runCtx)
	p.grp = grp

	for _, c := range p.contexts {
		c := c
		grp.Go(func() error {
			if err := c.applyAffinity(); err != nil {
				return fmt.Errorf("iothread: %s: set affinity: %w", c.name, err)
			}
			c.mu.Lock()
			c.started = true
			c.mu.Unlock()
			return c.loop.Dispatch(func() bool {
				select {
				case <-runCtx.Done():
					return true
				default:
					return false
				}
			})
		})
	}
	return nil
}

func (c *Context) applyAffinity() error {
	if len(c.mask) == 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range c.mask {
		set.Set(cpu)
	}
	for {
		err := unix.SchedSetaffinity(0, &set)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Add registers fd on the next context in round-robin order and returns
// the context it landed on along with the mevent handle.
func (p *Pool) Add(fd int, kind mevent.EvKind, cb mevent.Callback, param any, closeOnFree bool, teardown mevent.Teardown) (*Context, *mevent.Handle, error) {
	p.mu.Lock()
	c := p.contexts[p.next]
	p.next = (p.next + 1) % len(p.contexts)
	p.mu.Unlock()

	h, err := c.loop.Add(fd, kind, cb, param, closeOnFree, teardown)
	if err != nil {
		return nil, nil, err
	}
	return c, h, nil
}

// Name reports the context's fixed iothr-<idx>-<tag> name.
func (c *Context) Name() string { return c.name }

// Loop exposes the context's event loop for direct registration when the
// caller already knows which context it wants (e.g. to keep a device's
// fds together on one thread).
func (c *Context) Loop() *mevent.Loop { return c.loop }

// Deinit stops every context's dispatch loop and waits for the
// goroutines to exit, then closes their epoll fds and self-pipes.
func (p *Pool) Deinit() error {
	if p.cancel != nil {
		p.cancel()
	}
	for _, c := range p.contexts {
		c.loop.Notify()
	}
	var err error
	if p.grp != nil {
		err = p.grp.Wait()
	}
	for _, c := range p.contexts {
		c.loop.Close()
	}
	return err
}

// Contexts returns the pool's members in fixed order.
func (p *Pool) Contexts() []*Context {
	out := make([]*Context, len(p.contexts))
	copy(out, p.contexts)
	return out
}
