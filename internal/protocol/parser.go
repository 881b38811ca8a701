package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrShortPacket is returned when a payload is smaller than its format.
	ErrShortPacket = errors.New("short packet")

	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrBadMagic is returned when a probe does not start with ProbeMagic.
	ErrBadMagic = errors.New("bad probe magic")
)

// ReadFrame reads a single kind-tagged frame from a stream.
// Frame format: [2-byte LE length][kind:1][body...], where length covers
// the kind byte and body.
func ReadFrame(r io.Reader) (Kind, []byte, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	if length == 0 {
		return 0, nil, fmt.Errorf("received zero-length frame: %w", ErrShortPacket)
	}

	if int(length) > MaxFrameSize+1 {
		return 0, nil, fmt.Errorf("frame of %d bytes (max %d): %w", length, MaxFrameSize, ErrFrameTooLarge)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("failed to read frame payload (%d bytes): %w", length, err)
	}

	return Kind(payload[0]), payload[1:], nil
}

// WriteFrame writes a kind-tagged frame to a stream in a single write.
func WriteFrame(w io.Writer, kind Kind, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes (max %d): %w", len(body), MaxFrameSize, ErrFrameTooLarge)
	}

	frame := make([]byte, LengthPrefixSize+1+len(body))
	binary.LittleEndian.PutUint16(frame[:2], uint16(len(body)+1))
	frame[2] = byte(kind)
	copy(frame[3:], body)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame data: %w", err)
	}
	return nil
}

// ParseFlow decodes a flow update. The 2-byte form without CRC is accepted.
func ParseFlow(data []byte) (FlowPacket, error) {
	if len(data) < 2 {
		return FlowPacket{}, fmt.Errorf("flow packet of %d bytes: %w", len(data), ErrShortPacket)
	}

	f := FlowPacket{
		ReadySend: data[0] != 0,
		ReadyRecv: data[1] != 0,
	}
	if len(data) >= 7 && data[2] != 0 {
		f.CRCValid = true
		f.CRC = binary.BigEndian.Uint32(data[3:7])
	}
	return f, nil
}

// ParseMeta decodes a sparse meta announcement.
func ParseMeta(data []byte) (MetaPacket, error) {
	if len(data) < 5 {
		return MetaPacket{}, fmt.Errorf("meta packet of %d bytes: %w", len(data), ErrShortPacket)
	}
	return MetaPacket{
		Version: data[0] % MetaWindow,
		Mask:    binary.BigEndian.Uint32(data[1:5]),
	}, nil
}

// ParseStats decodes as many whole LinkStat entries as data holds, up to
// MaxPlayers. A trailing partial entry is ignored.
func ParseStats(data []byte) []LinkStat {
	n := len(data) / LinkStatSize
	if n > MaxPlayers {
		n = MaxPlayers
	}

	stats := make([]LinkStat, n)
	for i := range stats {
		e := data[i*LinkStatSize:]
		stats[i] = LinkStat{
			Late:         binary.BigEndian.Uint16(e[0:2]),
			Bps:          binary.BigEndian.Uint16(e[2:4]),
			Pps:          e[4],
			SendQueueLen: e[5],
			PacketsLost:  e[6],
			NakSent:      e[7],
		}
	}
	return stats
}

// ParseHello decodes a session hello.
func ParseHello(data []byte) (HelloPacket, error) {
	name, err := readString(bytes.NewReader(data))
	if err != nil {
		return HelloPacket{}, fmt.Errorf("failed to parse hello: %w", err)
	}
	return HelloPacket{Name: name}, nil
}

// ParseWelcome decodes a session welcome.
func ParseWelcome(data []byte) (WelcomePacket, error) {
	if len(data) < 4 {
		return WelcomePacket{}, fmt.Errorf("welcome packet of %d bytes: %w", len(data), ErrShortPacket)
	}
	return WelcomePacket{
		Index:      data[0],
		MaxClients: data[1],
		Rate:       binary.BigEndian.Uint16(data[2:4]),
	}, nil
}

// ParsePing decodes the tick carried by a ping or pong.
func ParsePing(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("ping packet of %d bytes: %w", len(data), ErrShortPacket)
	}
	return binary.BigEndian.Uint32(data[:4]), nil
}

// ParseProbe decodes a discovery probe and returns its nonce.
func ParseProbe(data []byte) (uint32, error) {
	if len(data) < 5 {
		return 0, fmt.Errorf("probe of %d bytes: %w", len(data), ErrShortPacket)
	}
	if data[0] != ProbeMagic {
		return 0, fmt.Errorf("probe magic 0x%02x: %w", data[0], ErrBadMagic)
	}
	return binary.BigEndian.Uint32(data[1:5]), nil
}

// ParseProbeReply decodes the answer to a discovery probe.
func ParseProbeReply(data []byte) (ProbeReply, error) {
	if len(data) < 10 {
		return ProbeReply{}, fmt.Errorf("probe reply of %d bytes: %w", len(data), ErrShortPacket)
	}
	if data[0] != ProbeMagic {
		return ProbeReply{}, fmt.Errorf("probe reply magic 0x%02x: %w", data[0], ErrBadMagic)
	}
	id, err := readString(bytes.NewReader(data[9:]))
	if err != nil {
		return ProbeReply{}, fmt.Errorf("failed to parse probe reply: %w", err)
	}
	return ProbeReply{
		Nonce:      binary.BigEndian.Uint32(data[1:5]),
		Clients:    data[5],
		MaxClients: data[6],
		Rate:       binary.BigEndian.Uint16(data[7:9]),
		SessionID:  id,
	}, nil
}

// readString reads a length-prefixed string.
func readString(r *bytes.Reader) (string, error) {
	length, err := r.ReadByte()
	if err != nil {
		return "", fmt.Errorf("missing length: %w", ErrShortPacket)
	}

	if length == 0 {
		return "", nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("string of %d bytes: %w", length, ErrShortPacket)
	}

	return string(bytes.TrimRight(buf, "\x00")), nil
}
