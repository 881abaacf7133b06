// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package wire frames and parses SSH agent protocol messages on a byte
// stream, and decodes the body of a sign-request message.
//
// The proxy never inspects a message body except to decode a sign request,
// so this package stops at exactly what the filter needs: framing, the
// handful of message codes the filter recognizes, and the sign-request
// field layout. It does not attempt to represent the full agent protocol.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message codes the filter recognizes. Values match the SSH agent protocol
// (draft-miller-ssh-agent) so a captured frame's code byte needs no
// translation.
const (
	RequestRSAIdentities = 1  // SSH_AGENTC_REQUEST_RSA_IDENTITIES (legacy list)
	RequestIdentities    = 11 // SSH2_AGENTC_REQUEST_IDENTITIES (list)
	SignRequest          = 13 // SSH2_AGENTC_SIGN_REQUEST
	Failure              = 5  // SSH_AGENT_FAILURE
)

// Sign-request flags, per draft-miller-ssh-agent. Zero means "use the key's
// native signature algorithm".
const (
	FlagOldSignature = 1 << 0 // SSH_AGENT_OLD_SIGNATURE
	FlagRSASHA2_256  = 1 << 1 // SSH_AGENT_RSA_SHA2_256
	FlagRSASHA2_512  = 1 << 2 // SSH_AGENT_RSA_SHA2_512
)

// ErrFraming reports a malformed frame: a zero-length frame, or a stream
// that closed mid-frame.
var ErrFraming = errors.New("wire: framing error")

// ErrBadFlags reports a sign-request flags word outside the recognized set.
var ErrBadFlags = errors.New("wire: unrecognized sign flags")

// Message is one decoded agent-protocol frame.
type Message struct {
	Code byte
	Body []byte
}

// ReadMessage reads exactly one framed message from r.
//
// A frame is a 4-byte big-endian length, one code byte, and length-1 body
// bytes. If the stream closes before any header byte is read, ReadMessage
// returns io.EOF. Any other short read, or a zero-length frame, is
// ErrFraming: a partial frame is never returned.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("%w: reading header: %w", ErrFraming, err)
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if length == 0 {
		return Message{}, ErrFraming
	}
	code := hdr[4]
	body := make([]byte, length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("%w: reading body: %w", ErrFraming, err)
	}
	return Message{Code: code, Body: body}, nil
}

// WriteMessage writes one framed message to w in a single Write call. This
// relies on w being a stream, such as net.Conn, whose Write of one
// contiguous buffer is atomic with respect to other concurrent Write calls
// on the same stream (as internal/session's two pumps do, one per
// direction, onto the shared client connection); a w without that
// guarantee needs its own external serialization.
func WriteMessage(w io.Writer, code byte, body []byte) error {
	frame := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)+1))
	frame[4] = code
	copy(frame[5:], body)
	_, err := w.Write(frame)
	return err
}

// SignRequestBody is the decoded body of a SignRequest message.
type SignRequestBody struct {
	KeyBlob []byte
	Data    []byte
	Flags   uint32
}

// DecodeSignRequest parses a sign-request body: two length-prefixed byte
// strings (the public key blob and the to-be-signed data) followed by a
// big-endian uint32 flags word, with no trailing bytes permitted.
func DecodeSignRequest(body []byte) (SignRequestBody, error) {
	keyBlob, rest, err := readString(body)
	if err != nil {
		return SignRequestBody{}, err
	}
	data, rest, err := readString(rest)
	if err != nil {
		return SignRequestBody{}, err
	}
	if len(rest) != 4 {
		return SignRequestBody{}, fmt.Errorf("%w: sign request: %d trailing bytes after data", ErrFraming, len(rest))
	}
	flags := binary.BigEndian.Uint32(rest)
	switch flags {
	case 0, FlagOldSignature, FlagRSASHA2_256, FlagRSASHA2_512:
	default:
		return SignRequestBody{}, fmt.Errorf("%w: %d", ErrBadFlags, flags)
	}
	return SignRequestBody{KeyBlob: keyBlob, Data: data, Flags: flags}, nil
}

// readString reads one length-prefixed byte string from the front of buf
// and returns it along with the remaining bytes.
func readString(buf []byte) (field, rest []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("%w: short length prefix", ErrFraming)
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(n) > uint64(len(buf)) {
		return nil, nil, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrFraming, n, len(buf))
	}
	return buf[:n], buf[n:], nil
}
