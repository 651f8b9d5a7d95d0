// Package ports hands out local TCP ports to preview servers and tracks
// which project owns each one.
package ports

import (
	"net"
	"sort"
	"strconv"

	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/logging"
)

// ProbeFunc reports whether the OS will let us bind port
type ProbeFunc func(host string, port int) bool

// Allocator allocates ports from [Min, Max]. Mutations of the port table are
// serialized; IsAvailable probes without holding the lock.
type Allocator struct {
	min, max int
	host     string
	probe    ProbeFunc
	log      *logrus.Entry

	mu     deadlock.Mutex
	owners map[int]string
	// next is where the following allocation starts scanning
	next int
}

// Option customizes an Allocator
type Option func(*Allocator)

// WithProbe replaces the OS bind probe
func WithProbe(p ProbeFunc) Option {
	return func(a *Allocator) { a.probe = p }
}

// WithHost sets the interface probed for availability (default 127.0.0.1)
func WithHost(host string) Option {
	return func(a *Allocator) { a.host = host }
}

// WithLogger sets the logger
func WithLogger(log *logrus.Entry) Option {
	return func(a *Allocator) { a.log = log }
}

// New creates an allocator for the inclusive range [min, max]
func New(min, max int, opts ...Option) (*Allocator, error) {
	if min < 1 || max > 65535 || min > max {
		return nil, fault.New(fault.KindInvalidConfig, "ports.new", "invalid port range %d-%d", min, max)
	}
	a := &Allocator{
		min:    min,
		max:    max,
		host:   "127.0.0.1",
		probe:  BindProbe,
		owners: make(map[int]string),
		next:   min,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logging.Component(a.log, "ports")
	return a, nil
}

// BindProbe binds and immediately closes host:port
func BindProbe(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Range returns the configured bounds
func (a *Allocator) Range() (int, int) {
	return a.min, a.max
}

// Allocate returns a free port and records owner as its holder.
// Scanning resumes after the previous allocation so a just-released port is
// reissued only once the rest of the range has been tried.
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.min + (a.next-a.min+i)%size
		if _, tracked := a.owners[port]; tracked {
			continue
		}
		if !a.probe(a.host, port) {
			continue
		}
		a.owners[port] = owner
		a.next = port + 1
		if a.next > a.max {
			a.next = a.min
		}
		a.log.WithFields(logrus.Fields{"port": port, "owner": owner}).Debug("port allocated")
		return port, nil
	}

	return 0, fault.New(fault.KindNoPortAvailable, "ports.allocate",
		"no free port in range %d-%d", a.min, a.max)
}

// Suggest returns the first port of the range that is free right now
// without claiming it
func (a *Allocator) Suggest() (int, error) {
	for port := a.min; port <= a.max; port++ {
		if a.IsAvailable(port) {
			return port, nil
		}
	}
	return 0, fault.New(fault.KindNoPortAvailable, "ports.suggest",
		"no free port in range %d-%d", a.min, a.max)
}

// Reserve claims a specific port for owner. The port may lie outside the
// allocation range.
func (a *Allocator) Reserve(port int, owner string) error {
	if port < 1 || port > 65535 {
		return fault.New(fault.KindInvalidConfig, "ports.reserve", "invalid port %d", port)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if holder, tracked := a.owners[port]; tracked {
		return fault.New(fault.KindPortInUse, "ports.reserve", "port %d is already held by %s", port, holder)
	}
	if !a.probe(a.host, port) {
		return fault.New(fault.KindPortInUse, "ports.reserve", "port %d is in use by another process", port)
	}
	a.owners[port] = owner
	a.log.WithFields(logrus.Fields{"port": port, "owner": owner}).Debug("port reserved")
	return nil
}

// Release returns port to the pool. It reports whether the port was tracked.
func (a *Allocator) Release(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, tracked := a.owners[port]; !tracked {
		return false
	}
	delete(a.owners, port)
	a.log.WithField("port", port).Debug("port released")
	return true
}

// IsAvailable reports whether port is untracked and bindable right now
func (a *Allocator) IsAvailable(port int) bool {
	a.mu.Lock()
	_, tracked := a.owners[port]
	a.mu.Unlock()
	if tracked {
		return false
	}
	return a.probe(a.host, port)
}

// Owner returns the holder of port
func (a *Allocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.owners[port]
	return owner, ok
}

// InUse returns the tracked ports in ascending order
func (a *Allocator) InUse() []int {
	a.mu.Lock()
	ports := lo.Keys(a.owners)
	a.mu.Unlock()
	sort.Ints(ports)
	return ports
}
