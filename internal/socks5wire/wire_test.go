package socks5wire

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestWriteReadAddress_IPv4(t *testing.T) {
	var buf bytes.Buffer
	addr := NewIPAddress(net.IPv4(8, 8, 8, 8), 53)
	if err := WriteAddress(&buf, addr); err != nil {
		t.Fatalf("WriteAddress: %v", err)
	}
	got, err := ReadAddress(&buf)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if got.Type != ATYPIPv4 || !got.IP.Equal(net.IPv4(8, 8, 8, 8)) || got.Port != 53 {
		t.Errorf("got %+v", got)
	}
}

func TestWriteReadAddress_Domain(t *testing.T) {
	var buf bytes.Buffer
	addr := NewDomainAddress("example.com", 443)
	if err := WriteAddress(&buf, addr); err != nil {
		t.Fatalf("WriteAddress: %v", err)
	}
	got, err := ReadAddress(&buf)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if got.Type != ATYPDomain || got.Domain != "example.com" || got.Port != 443 {
		t.Errorf("got %+v", got)
	}
}

func TestWriteReadAddress_IPv6(t *testing.T) {
	var buf bytes.Buffer
	ip := net.ParseIP("2001:4860:4860::8888")
	addr := NewIPAddress(ip, 443)
	if err := WriteAddress(&buf, addr); err != nil {
		t.Fatalf("WriteAddress: %v", err)
	}
	got, err := ReadAddress(&buf)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if got.Type != ATYPIPv6 || !got.IP.Equal(ip) || got.Port != 443 {
		t.Errorf("got %+v", got)
	}
}

func TestRequestReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	dst := NewDomainAddress("example.com", 80)
	if err := WriteRequest(&buf, CmdConnect, dst); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	cmd, got, err := ReadRequest(&buf)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if cmd != CmdConnect || got.Domain != "example.com" || got.Port != 80 {
		t.Errorf("got cmd=%d addr=%+v", cmd, got)
	}
}

func TestReadRequest_RejectsNonZeroReserved(t *testing.T) {
	buf := bytes.NewBuffer([]byte{Version, CmdConnect, 0x01, ATYPIPv4, 1, 2, 3, 4, 0, 80})
	if _, _, err := ReadRequest(buf); !errors.Is(err, ErrReservedByteNonZero) {
		t.Errorf("expected ErrReservedByteNonZero, got %v", err)
	}
}

func TestReadReply_NonSuccessReturnsReplyError(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, ReplyHostUnreachable, UnspecifiedIPv4()); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}
	_, err := ReadReply(&buf)
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) || replyErr.Code != ReplyHostUnreachable {
		t.Errorf("expected ReplyError(HostUnreachable), got %v", err)
	}
}

func TestReadReply_Success(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, ReplySucceeded, UnspecifiedIPv4()); err != nil {
		t.Fatalf("WriteReply: %v", err)
	}
	addr, err := ReadReply(&buf)
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if addr.Port != 0 || !addr.IP.Equal(net.IPv4zero) {
		t.Errorf("got %+v", addr)
	}
}

func TestUserPassRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUserPass(&buf, "alice", "secret"); err != nil {
		t.Fatalf("WriteUserPass: %v", err)
	}
	user, pass, err := ReadUserPass(&buf)
	if err != nil {
		t.Fatalf("ReadUserPass: %v", err)
	}
	if user != "alice" || pass != "secret" {
		t.Errorf("got user=%q pass=%q", user, pass)
	}
}

func TestUserPassReply(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUserPassReply(&buf, AuthFailure); err != nil {
		t.Fatalf("WriteUserPassReply: %v", err)
	}
	if err := ReadUserPassReply(&buf); err == nil {
		t.Error("expected error on AuthFailure status")
	}
}

func TestDecodeUDPHeader_IPv4(t *testing.T) {
	data := []byte{
		0x00, 0x00, // RSV
		0x00,       // FRAG
		0x01,       // ATYP IPv4
		8, 8, 8, 8, // address
		0x00, 0x35, // port 53
		'h', 'e', 'l', 'l', 'o',
	}
	dst, payload, err := DecodeUDPHeader(data)
	if err != nil {
		t.Fatalf("DecodeUDPHeader: %v", err)
	}
	if dst.Port != 53 || !dst.IP.Equal(net.IPv4(8, 8, 8, 8)) {
		t.Errorf("got %+v", dst)
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q", payload)
	}
}

func TestDecodeUDPHeader_FragmentedIsRejected(t *testing.T) {
	data := []byte{
		0x00, 0x00, // RSV
		0x01,       // FRAG != 0
		0x01,       // ATYP IPv4
		8, 8, 8, 8,
		0x00, 0x35,
		'x',
	}
	_, payload, err := DecodeUDPHeader(data)
	if !errors.Is(err, ErrFragmentedDatagram) {
		t.Fatalf("expected ErrFragmentedDatagram, got %v", err)
	}
	if payload != nil {
		t.Errorf("expected no forwarded payload on fragmented datagram, got %q", payload)
	}
}

func TestEncodeDecodeUDPHeader_Domain(t *testing.T) {
	dst := NewDomainAddress("example.com", 8080)
	header, err := EncodeUDPHeader(dst)
	if err != nil {
		t.Fatalf("EncodeUDPHeader: %v", err)
	}
	payload := []byte("ping")
	datagram := append(header, payload...)

	got, gotPayload, err := DecodeUDPHeader(datagram)
	if err != nil {
		t.Fatalf("DecodeUDPHeader: %v", err)
	}
	if got.Domain != "example.com" || got.Port != 8080 {
		t.Errorf("got %+v", got)
	}
	if string(gotPayload) != "ping" {
		t.Errorf("payload = %q", gotPayload)
	}
}
