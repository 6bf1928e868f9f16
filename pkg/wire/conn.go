package wire

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/armadaproject/corral/internal/common/corralerrors"
)

const DefaultMessageTimeout = 10 * time.Second

// Dialer makes one-shot request/response exchanges: dial, send, receive one response, close.
type Dialer struct {
	Auth     Authenticator
	Identity Identity
	Timeout  time.Duration
	Now      func() time.Time
}

func NewDialer(auth Authenticator, timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = DefaultMessageTimeout
	}
	return &Dialer{Auth: auth, Identity: CurrentIdentity(), Timeout: timeout, Now: time.Now}
}

func (d *Dialer) deadline(ctx context.Context) time.Time {
	deadline := d.Now().Add(d.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

func (d *Dialer) send(ctx context.Context, addr string, req Message, flags uint16) (net.Conn, time.Time, error) {
	deadline := d.deadline(ctx)
	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, deadline, transportError(err, "connecting to %s", addr)
	}
	cred, err := d.Auth.Create(d.Identity, d.Now())
	if err != nil {
		_ = conn.Close()
		return nil, deadline, errors.WithMessage(err, "creating auth credential")
	}
	if err := Send(conn, req, cred, flags, deadline); err != nil {
		_ = conn.Close()
		return nil, deadline, err
	}
	return conn, deadline, nil
}

// Call sends req to addr and returns the response. A non-zero ReturnCode response is returned as a
// *corralerrors.Error; a zero ReturnCode is returned as the message itself.
func (d *Dialer) Call(ctx context.Context, addr string, req Message) (Message, error) {
	conn, deadline, err := d.send(ctx, addr, req, 0)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	frame, err := Recv(conn, deadline)
	if err != nil {
		return nil, errors.WithMessagef(err, "awaiting response to %s from %s", req.Kind(), addr)
	}
	if _, err := d.Auth.Verify(frame.Auth, d.Now()); err != nil {
		return nil, err
	}
	if rc, ok := frame.Msg.(*ReturnCode); ok && rc.Code != 0 {
		return nil, errors.WithStack(&corralerrors.Error{Code: corralerrors.Code(rc.Code), Message: rc.Message})
	}
	return frame.Msg, nil
}

// CallExpect is Call that additionally checks the response type.
func CallExpect[T Message](ctx context.Context, d *Dialer, addr string, req Message) (T, error) {
	var zero T
	resp, err := d.Call(ctx, addr, req)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(T)
	if !ok {
		return zero, corralerrors.Newf(corralerrors.CodeUnexpectedMessage, "expected %s response to %s, got %s", zero.Kind(), req.Kind(), resp.Kind())
	}
	return typed, nil
}

// Notify sends a one-way message.
func (d *Dialer) Notify(ctx context.Context, addr string, msg Message) error {
	conn, _, err := d.send(ctx, addr, msg, FlagNoResponse)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Reply sends a response on a server-side connection.
func Reply(conn net.Conn, auth Authenticator, id Identity, msg Message, now time.Time, timeout time.Duration) error {
	cred, err := auth.Create(id, now)
	if err != nil {
		return err
	}
	return Send(conn, msg, cred, 0, now.Add(timeout))
}

// ReturnCodeFor converts an error to the response message that carries it.
func ReturnCodeFor(err error) *ReturnCode {
	if err == nil {
		return &ReturnCode{}
	}
	return &ReturnCode{Code: uint32(corralerrors.CodeFromError(err)), Message: err.Error()}
}
