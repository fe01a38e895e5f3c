package engine

import (
	"errors"
	"fmt"

	"github.com/marmos91/librarian/pkg/policy"
	"github.com/marmos91/librarian/pkg/store"
	"github.com/marmos91/librarian/pkg/topology"
)

// Errno is a POSIX error number as seen by clients. Values follow Linux
// numbering regardless of the host the engine runs on.
type Errno uint32

const (
	EPERM     Errno = 1
	ENOENT    Errno = 2
	EIO       Errno = 5
	EBADF     Errno = 9
	EBUSY     Errno = 16
	EEXIST    Errno = 17
	ENOTDIR   Errno = 20
	EINVAL    Errno = 22
	EMFILE    Errno = 24
	ENOSPC    Errno = 28
	ERANGE    Errno = 34
	ENOSYS    Errno = 38
	ENOTEMPTY Errno = 39
	ENODATA   Errno = 61
	EBADFD    Errno = 77
	ENOTSUP   Errno = 95
	ESTALE    Errno = 116
	EUCLEAN   Errno = 117
	EREMOTEIO Errno = 121
)

var errnoNames = map[Errno]string{
	EPERM:     "EPERM",
	ENOENT:    "ENOENT",
	EIO:       "EIO",
	EBADF:     "EBADF",
	EBUSY:     "EBUSY",
	EEXIST:    "EEXIST",
	ENOTDIR:   "ENOTDIR",
	EINVAL:    "EINVAL",
	EMFILE:    "EMFILE",
	ENOSPC:    "ENOSPC",
	ERANGE:    "ERANGE",
	ENOSYS:    "ENOSYS",
	ENOTEMPTY: "ENOTEMPTY",
	ENODATA:   "ENODATA",
	EBADFD:    "EBADFD",
	ENOTSUP:   "ENOTSUP",
	ESTALE:    "ESTALE",
	EUCLEAN:   "EUCLEAN",
	EREMOTEIO: "EREMOTEIO",
}

func (e Errno) String() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	if e == 0 {
		return "OK"
	}
	return fmt.Sprintf("errno(%d)", uint32(e))
}

// Fault is a command failure reported to the client: a readable message
// and a stable errno an adapter can hand straight back to the kernel.
type Fault struct {
	Message string `json:"errmsg"`
	Errno   Errno  `json:"errno"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s (%s)", f.Message, f.Errno)
}

// faultf builds a Fault.
func faultf(errno Errno, format string, args ...any) *Fault {
	return &Fault{Errno: errno, Message: fmt.Sprintf(format, args...)}
}

// toFault converts any error returned by a command into a Fault.
//
// Faults pass through unchanged. Store and policy errors map to their
// errno; anything else is an internal error reported as EIO.
func toFault(err error) *Fault {
	if err == nil {
		return nil
	}

	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, policy.ErrUnknownPolicy):
		return &Fault{Errno: ENOSYS, Message: err.Error()}
	case errors.Is(err, policy.ErrNoInterleaveRequest):
		return &Fault{Errno: ERANGE, Message: err.Error()}
	case errors.Is(err, policy.ErrInsufficientBooks):
		return &Fault{Errno: ENOSPC, Message: err.Error()}
	case errors.Is(err, topology.ErrInvalidNode):
		return &Fault{Errno: EINVAL, Message: err.Error()}
	}

	if code, ok := store.CodeOf(err); ok {
		switch code {
		case store.ErrNotFound:
			return &Fault{Errno: ENOENT, Message: err.Error()}
		case store.ErrAlreadyExists:
			return &Fault{Errno: EEXIST, Message: err.Error()}
		case store.ErrNotUnique, store.ErrCorrupt:
			return &Fault{Errno: EUCLEAN, Message: err.Error()}
		case store.ErrInvalidArgument:
			return &Fault{Errno: EINVAL, Message: err.Error()}
		}
	}

	return &Fault{Errno: EIO, Message: "internal error: " + err.Error()}
}

// ErrnoOf returns the errno carried by err, 0 for nil.
func ErrnoOf(err error) Errno {
	if err == nil {
		return 0
	}
	return toFault(err).Errno
}
