// Copyright 2026 The mitmcore Authors.
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

// Package wsupgrade handles the HTTP Upgrade handshake: it runs the
// beforeUpgrade middleware and upgrade-phase interceptors against the
// upgrade request, dials upstream and replays it, then splices the two
// sockets once the upstream answers 101. WebSocket frames are parsed
// only far enough to let an interceptor inspect or rewrite individual
// messages; every other byte moves unexamined.
package wsupgrade

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	core "github.com/mitmcore/proxy"
	"github.com/mitmcore/proxy/interceptor"
	"github.com/mitmcore/proxy/internal/dialer"
	"github.com/mitmcore/proxy/middleware"
)

// MessageHandler inspects or rewrites one reassembled WebSocket message.
// Returning a nil payload with ok=false drops the message instead of
// forwarding it; Handler is only consulted for text/binary messages,
// never control frames.
type MessageHandler func(ctx context.Context, fromClient bool, opcode byte, payload []byte) (out []byte, ok bool)

// Upgrader drives one HTTP Upgrade handshake and, for a successful
// websocket upgrade, the subsequent frame-aware splice.
type Upgrader struct {
	Middleware    *middleware.Registry
	Interceptors  *interceptor.Registry
	Dial          *dialer.Dialer
	ResolvePolicy func(rc *core.RequestContext) (dialer.Policy, error)
	OnMessage     MessageHandler // optional; nil means raw byte splicing
	CloseTimeout  time.Duration  // default 5s

	log *zap.Logger
}

// New builds an Upgrader with the documented defaults.
func New(mw *middleware.Registry, ic *interceptor.Registry, d *dialer.Dialer, resolve func(rc *core.RequestContext) (dialer.Policy, error)) *Upgrader {
	return &Upgrader{Middleware: mw, Interceptors: ic, Dial: d, ResolvePolicy: resolve, CloseTimeout: 5 * time.Second, log: zap.NewNop()}
}

// SetLogger installs the upgrader's logger.
func (u *Upgrader) SetLogger(l *zap.Logger) { u.log = l }

// Handle runs the full upgrade flow for an already-hijacked client
// connection. client must not be used by the caller again; Handle owns
// it until the session ends.
func (u *Upgrader) Handle(ctx context.Context, rc *core.RequestContext, client net.Conn) {
	defer client.Close()

	if stopped, err := u.Middleware.Run(ctx, middleware.BeforeUpgrade, rc); err != nil {
		u.log.Warn("beforeUpgrade middleware failed", zap.Error(err))
		writeStatus(client, http.StatusBadGateway)
		return
	} else if stopped {
		writeStatus(client, http.StatusForbidden)
		return
	}

	outcome, err := u.Interceptors.Run(ctx, interceptor.UpgradePhase, rc)
	if err != nil {
		u.log.Warn("upgrade interceptors failed", zap.Error(err))
		writeStatus(client, http.StatusBadGateway)
		return
	}
	mergeIntoForward(rc, outcome)
	if outcome.Result.Tag == interceptor.ShortCircuit || outcome.Result.Tag == interceptor.Stop {
		writeShortCircuit(client, outcome.Result.ShortCircuit.Status, outcome.Result.ShortCircuit.Headers, outcome.Result.ShortCircuit.Body)
		return
	}

	policy := dialer.Policy{Kind: dialer.Direct}
	if u.ResolvePolicy != nil {
		if p, err := u.ResolvePolicy(rc); err == nil {
			policy = p
		}
	}

	host, port := rc.Forward.URL.Hostname(), rc.Forward.URL.Port()
	if port == "" {
		if rc.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	upstream, err := u.Dial.Dial(ctx, rc.Scheme, host, port, policy)
	if err != nil {
		u.log.Warn("upgrade dial failed", zap.Error(err))
		writeStatus(client, http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	outreq, err := http.NewRequest(rc.Forward.Method, rc.Forward.URL.RequestURI(), nil)
	if err != nil {
		writeStatus(client, http.StatusBadGateway)
		return
	}
	outreq.Header = rc.Forward.Headers.Clone()
	outreq.Host = rc.Forward.URL.Host
	if err := outreq.Write(upstream); err != nil {
		u.log.Warn("writing upgrade request upstream failed", zap.Error(err))
		return
	}

	br := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(br, outreq)
	if err != nil {
		u.log.Warn("reading upgrade response failed", zap.Error(err))
		return
	}

	if err := resp.Write(client); err != nil {
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return // not an upgrade after all; response already forwarded verbatim
	}

	// the origin's first frame is often coalesced into the same TCP
	// segment as the 101 headers and so already sits inside br; splicing
	// on a bare upstream from here would silently drop it, so carry br's
	// buffered remainder forward the same way peekedConn/bufferedConn do
	// elsewhere in this codebase.
	upstream = &bufferedConn{Conn: upstream, r: br}

	isWebSocket := strings.EqualFold(resp.Header.Get("Upgrade"), "websocket")
	if !isWebSocket || u.OnMessage == nil {
		// generic-upgrade fallback: any protocol that isn't websocket (or
		// one we have no message hook for) just gets spliced byte for byte.
		splice(ctx, client, upstream)
		return
	}

	u.spliceFrames(ctx, client, upstream)

	if _, err := u.Middleware.Run(ctx, middleware.AfterUpgrade, rc); err != nil {
		u.log.Warn("afterUpgrade middleware failed", zap.Error(err))
	}
}

func mergeIntoForward(rc *core.RequestContext, o interceptor.Outcome) {
	if o.Merged.Method != nil {
		rc.Forward.Method = *o.Merged.Method
	}
	for k, vv := range o.Merged.Headers {
		rc.Forward.Headers.Del(k)
		for _, v := range vv {
			rc.Forward.Headers.Add(k, v)
		}
	}
}

func writeStatus(w io.Writer, status int) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", status, http.StatusText(status))
}

func writeShortCircuit(w io.Writer, status int, headers http.Header, body []byte) {
	if status == 0 {
		status = http.StatusForbidden
	}
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for k, vv := range headers {
		for _, v := range vv {
			fmt.Fprintf(w, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body))
	w.Write(body)
}

// bufferedConn replays a reader's already-buffered bytes before falling
// through to raw reads on the underlying conn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func splice(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// WebSocket opcodes, RFC 6455 §11.8.
const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
	opPing         = 0x9
	opPong         = 0xA
)

// spliceFrames reads RFC 6455 frames from both sides, reassembling
// fragmented messages so OnMessage sees whole text/binary payloads,
// and forwards control frames untouched.
func (u *Upgrader) spliceFrames(ctx context.Context, client, upstream net.Conn) {
	done := make(chan struct{}, 2)
	go u.pumpFrames(ctx, client, upstream, true, done)
	go u.pumpFrames(ctx, upstream, client, false, done)
	select {
	case <-done:
	case <-ctx.Done():
	}
	deadline := time.Now().Add(u.CloseTimeout)
	client.SetDeadline(deadline)
	upstream.SetDeadline(deadline)
}

func (u *Upgrader) pumpFrames(ctx context.Context, src, dst net.Conn, fromClient bool, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	r := bufio.NewReader(src)
	var fragments [][]byte
	var fragOpcode byte

	for {
		fr, err := readFrame(r)
		if err != nil {
			return
		}

		switch fr.opcode {
		case opClose, opPing, opPong:
			if writeFrame(dst, fr, fromClient) != nil {
				return
			}
			continue
		}

		if fr.opcode != opContinuation {
			fragOpcode = fr.opcode
		}
		fragments = append(fragments, fr.payload)

		if !fr.fin {
			continue
		}

		payload := joinFragments(fragments)
		fragments = nil

		out, ok := u.OnMessage(ctx, fromClient, fragOpcode, payload)
		if !ok {
			continue // message dropped, per OnMessage's contract
		}
		outFrame := wsFrame{fin: true, opcode: fragOpcode, payload: out}
		if writeFrame(dst, outFrame, fromClient) != nil {
			return
		}
	}
}

func joinFragments(frags [][]byte) []byte {
	if len(frags) == 1 {
		return frags[0]
	}
	var buf bytes.Buffer
	for _, f := range frags {
		buf.Write(f)
	}
	return buf.Bytes()
}

type wsFrame struct {
	fin     bool
	opcode  byte
	masked  bool
	payload []byte
}

func readFrame(r *bufio.Reader) (wsFrame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return wsFrame{}, err
	}
	fin := hdr[0]&0x80 != 0
	opcode := hdr[0] & 0x0F
	masked := hdr[1]&0x80 != 0
	length := uint64(hdr[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return wsFrame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return wsFrame{}, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(r, maskKey[:]); err != nil {
			return wsFrame{}, err
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return wsFrame{}, err
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return wsFrame{fin: fin, opcode: opcode, masked: masked, payload: payload}, nil
}

// writeFrame re-emits fr as a new frame on w. Per RFC 6455 §5.1, every
// frame a client sends to a server must be masked and every frame a
// server sends to a client must not be; mask reflects which direction
// this write is (true when the proxy is standing in for the client).
func writeFrame(w io.Writer, fr wsFrame, mask bool) error {
	var hdr []byte
	first := byte(0)
	if fr.fin {
		first |= 0x80
	}
	first |= fr.opcode
	hdr = append(hdr, first)

	n := len(fr.payload)
	maskBit := byte(0)
	if mask {
		maskBit = 0x80
	}
	switch {
	case n < 126:
		hdr = append(hdr, maskBit|byte(n))
	case n <= 0xFFFF:
		hdr = append(hdr, maskBit|126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		hdr = append(hdr, ext[:]...)
	default:
		hdr = append(hdr, maskBit|127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		hdr = append(hdr, ext[:]...)
	}

	payload := fr.payload
	if mask {
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return err
		}
		hdr = append(hdr, key[:]...)
		masked := make([]byte, len(payload))
		for i, b := range payload {
			masked[i] = b ^ key[i%4]
		}
		payload = masked
	}

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
