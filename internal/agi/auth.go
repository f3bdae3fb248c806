package agi

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	// NonceSize is the raw nonce length before hex encoding.
	NonceSize = 20

	// DefaultSecretVariable is the dialplan global holding the pre-shared key
	// on the Asterisk side.
	DefaultSecretVariable = "CALLFWD_DIGEST_SECRET"

	wrongDigestMessage = "Unauthenticated: Wrong Digest."
)

var (
	// ErrAuthenticationFailed is returned when the peer's digest does not
	// match the expected one.
	ErrAuthenticationFailed = errors.New("agi: wrong digest")

	// ErrMalformedDigest is returned when the peer's digest is not hex of
	// the SHA1 length.
	ErrMalformedDigest = errors.New("agi: malformed digest")
)

// NewNonce builds a nonce from the wall clock and rnd: 8 bytes of Unix seconds
// and 4 bytes of milliseconds (both little-endian) followed by 8 random
// bytes. The result is lowercase hex.
func NewNonce(now time.Time, rnd io.Reader) (string, error) {
	var raw [NonceSize]byte
	binary.LittleEndian.PutUint64(raw[0:8], uint64(now.Unix()))
	binary.LittleEndian.PutUint32(raw[8:12], uint32(now.Nanosecond()/int(time.Millisecond)))
	if _, err := io.ReadFull(rnd, raw[12:]); err != nil {
		return "", fmt.Errorf("reading nonce randomness: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}

// ExpectedDigest returns SHA1(secret ":" nonce).
func ExpectedDigest(secret, nonce string) [sha1.Size]byte {
	return sha1.Sum([]byte(secret + ":" + nonce))
}

// ChallengeExpression is the dialplan expression Asterisk evaluates to answer
// a challenge, e.g. ${SHA1(${CALLFWD_DIGEST_SECRET}:ab12...)}.
func ChallengeExpression(secretVariable, nonce string) string {
	return "${SHA1(${" + secretVariable + "}:" + nonce + ")}"
}

// Authenticator runs the digest challenge at the start of every session.
type Authenticator struct {
	secret         string
	secretVariable string
	now            func() time.Time
	rand           io.Reader
	logger         *slog.Logger
}

// NewAuthenticator creates an Authenticator for the pre-shared secret. The
// secretVariable names the dialplan variable holding the same secret on the
// Asterisk side; empty means DefaultSecretVariable.
func NewAuthenticator(secret, secretVariable string, logger *slog.Logger) *Authenticator {
	if secretVariable == "" {
		secretVariable = DefaultSecretVariable
	}
	return &Authenticator{
		secret:         secret,
		secretVariable: secretVariable,
		now:            time.Now,
		rand:           rand.Reader,
		logger:         logger.With("subsystem", "auth"),
	}
}

// Authenticate challenges the peer with a fresh nonce and checks the digest
// it computes. On success the session is marked authenticated; any error
// leaves it rejected.
func (a *Authenticator) Authenticate(ctx context.Context, s *Session) error {
	if s.auth != authStart {
		return fmt.Errorf("agi: session already in auth state %s", s.auth)
	}

	nonce, err := NewNonce(a.now(), a.rand)
	if err != nil {
		s.auth = authRejected
		return err
	}
	expected := ExpectedDigest(a.secret, nonce)

	s.auth = authAwaiting
	reply, err := s.GetFullVariable(ctx, ChallengeExpression(a.secretVariable, nonce))
	if err != nil {
		s.auth = authRejected
		return fmt.Errorf("sending digest challenge: %w", err)
	}
	if !reply.OK() || reply.Data == "" {
		s.auth = authRejected
		a.logger.Warn("digest challenge failed",
			"session_id", s.ID,
			"remote_addr", s.RemoteAddr(),
			"reply", reply.Raw,
		)
		return &ProtocolError{Command: "GET FULL VARIABLE", Reply: reply}
	}

	received, err := checkDigest(expected, reply.Data)
	switch {
	case errors.Is(err, ErrMalformedDigest):
		s.auth = authRejected
		a.logger.Warn("malformed digest",
			"session_id", s.ID,
			"remote_addr", s.RemoteAddr(),
			"expected", hex.EncodeToString(expected[:]),
			"received", received,
		)
		return err
	case err != nil:
		s.auth = authRejected
		a.logger.Warn("wrong digest",
			"session_id", s.ID,
			"remote_addr", s.RemoteAddr(),
			"expected", hex.EncodeToString(expected[:]),
			"received", received,
		)
		if verr := s.Verbose(ctx, wrongDigestMessage, 1); verr != nil {
			a.logger.Debug("sending wrong digest notice", "session_id", s.ID, "error", verr)
		}
		return err
	}

	s.auth = authAccepted
	return nil
}

// checkDigest compares the peer's "(hex)" answer against expected in constant
// time. It returns the answer without parentheses for logging.
func checkDigest(expected [sha1.Size]byte, data string) (string, error) {
	received := strings.Trim(data, "()")
	got, err := hex.DecodeString(received)
	if err != nil || len(got) != len(expected) {
		return received, ErrMalformedDigest
	}
	if subtle.ConstantTimeCompare(got, expected[:]) != 1 {
		return received, ErrAuthenticationFailed
	}
	return received, nil
}
