// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/imagesmith/internal/types"
	"github.com/alexandremahdhaoui/imagesmith/pkg/execcontext"
	"golang.org/x/sys/unix"
	utilexec "k8s.io/utils/exec"
)

const sysprepBinary = "virt-sysprep"

// Op is one offline guest mutation. Ops are applied in the order they were declared.
type Op struct {
	Name string
	args []string
}

// Args returns the virt-sysprep arguments of the op.
func (o Op) Args() []string { return append([]string(nil), o.args...) }

func SetHostname(hostname string) Op {
	return Op{Name: "hostname", args: []string{"--hostname", hostname}}
}

// Upload copies a host file into the guest.
func Upload(hostPath, guestPath string) Op {
	return Op{Name: "upload", args: []string{"--upload", hostPath + ":" + guestPath}}
}

func WriteFile(guestPath string, content []byte) Op {
	return Op{Name: "write", args: []string{"--write", guestPath + ":" + string(content)}}
}

func Mkdir(guestPath string) Op {
	return Op{Name: "mkdir", args: []string{"--mkdir", guestPath}}
}

// RunCommand runs a shell command inside the guest appliance.
func RunCommand(cmd string) Op {
	return Op{Name: "run-command", args: []string{"--run-command", cmd}}
}

func InstallPackages(pkgs ...string) Op {
	return Op{Name: "install", args: []string{"--install", strings.Join(pkgs, ",")}}
}

// UpdatePackages updates every installed package. The guest needs working repositories.
func UpdatePackages() Op {
	return Op{Name: "update", args: []string{"--update"}}
}

func InjectSSHKey(user, key string) Op {
	return Op{Name: "ssh-inject", args: []string{"--ssh-inject", user + ":string:" + key}}
}

// SetRootPassword sets an already hashed root password.
func SetRootPassword(hash string) Op {
	return Op{Name: "root-password", args: []string{"--root-password", "hash:" + hash}}
}

// SELinuxRelabel must be declared last: relabeling covers files written by earlier ops.
func SELinuxRelabel() Op {
	return Op{Name: "selinux-relabel", args: []string{"--selinux-relabel"}}
}

// Condition gates a group of ops. A non-nil error skips the group.
type Condition func(ctx context.Context) error

// ------------------------------------------------------- GUEST SESSION ----------------------------------------------------- //

// GuestOption configures OpenGuest.
type GuestOption func(*GuestSession)

// WithLookPath replaces the lookup of virt-sysprep in PATH.
func WithLookPath(lookPath func(string) (string, error)) GuestOption {
	return func(s *GuestSession) {
		s.lookPath = lookPath
	}
}

// WithSysprepOperations restricts the built-in sysprep operations (virt-sysprep --operations).
func WithSysprepOperations(ops ...string) GuestOption {
	return func(s *GuestSession) {
		s.operations = ops
	}
}

// GuestSession edits a disk image offline. It holds an exclusive flock on <image>.lock until
// Release. The kernel drops the flock when the process dies, so a crashed run leaves no stale lock.
type GuestSession struct {
	Image string

	runner     execcontext.Runner
	lookPath   func(string) (string, error)
	operations []string
	lockPath   string
	lock       *os.File

	mu     sync.Mutex
	ops    []Op
	closed bool
}

var _ Acquired = &GuestSession{}

// OpenGuest opens an offline session on the disk image of src.
func OpenGuest(
	ctx context.Context,
	runner execcontext.Runner,
	src types.ImageSource,
	opts ...GuestOption,
) (*GuestSession, error) {
	s := &GuestSession{
		Image:    src.Path,
		runner:   runner,
		lookPath: utilexec.New().LookPath,
		lockPath: src.Path + ".lock",
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGuestSession, err)
	}

	if _, err := os.Stat(s.Image); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGuestSession, err)
	}

	if _, err := s.lookPath(sysprepBinary); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH: %v", ErrGuestSession, sysprepBinary, err)
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGuestSession, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s is locked by another session (%s)", ErrGuestSession, s.Image, s.lockPath)
		}
		return nil, fmt.Errorf("%w: locking %s: %v", ErrGuestSession, s.lockPath, err)
	}
	s.lock = f

	// informational only, the flock is the lock
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}

	slog.Info("opened guest session", "image", s.Image)
	return s, nil
}

func (s *GuestSession) Path() string { return s.Image }

func (s *GuestSession) Format() types.ImageFormat { return types.FormatQCOW2 }

// Apply declares ops. They run at Commit, in declaration order.
func (s *GuestSession) Apply(ops ...Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session is closed", ErrGuestSession)
	}
	s.ops = append(s.ops, ops...)
	return nil
}

// ApplyIf declares ops only when cond succeeds. A failing condition is not an error: the ops are
// skipped entirely and the skip is logged. The returned bool reports whether ops were declared.
//
// The condition is evaluated now while the ops run at Commit, so a mirror that goes away in
// between still makes Commit fail.
func (s *GuestSession) ApplyIf(ctx context.Context, cond Condition, ops ...Op) (bool, error) {
	if err := cond(ctx); err != nil {
		names := make([]string, 0, len(ops))
		for _, op := range ops {
			names = append(names, op.Name)
		}
		slog.Info("skipping guest operations", "ops", names, "reason", err.Error())
		return false, nil
	}
	if err := s.Apply(ops...); err != nil {
		return false, err
	}
	return true, nil
}

// Pending returns the declared ops not yet committed.
func (s *GuestSession) Pending() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// Commit applies every declared op with a single virt-sysprep invocation.
func (s *GuestSession) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: session is closed", ErrGuestSession)
	}
	if len(s.ops) == 0 {
		return nil
	}

	args := []string{"-a", s.Image}
	if len(s.operations) > 0 {
		args = append(args, "--operations", strings.Join(s.operations, ","))
	}
	for _, op := range s.ops {
		args = append(args, op.args...)
	}

	if _, err := s.runner.Run(ctx, sysprepBinary, args...); err != nil {
		return fmt.Errorf("%w: %w", ErrGuestSession, err)
	}

	slog.Info("committed guest operations", "image", s.Image, "count", len(s.ops))
	s.ops = nil
	return nil
}

// Release drops uncommitted ops and releases the lock. The lock file stays: unlinking a flocked
// file lets two sessions lock different inodes. It is safe to call several times.
func (s *GuestSession) Release(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if len(s.ops) > 0 {
		slog.Warn("discarding uncommitted guest operations", "image", s.Image, "count", len(s.ops))
		s.ops = nil
	}
	f := s.lock
	s.lock = nil
	if f == nil {
		return nil
	}
	if err := errors.Join(unix.Flock(int(f.Fd()), unix.LOCK_UN), f.Close()); err != nil {
		return fmt.Errorf("%w: releasing lock: %v", ErrGuestSession, err)
	}
	return nil
}

// Close is Release without a context.
func (s *GuestSession) Close() error {
	return s.Release(context.Background())
}
