package cm

import "fmt"

const (
	// privDataLen is the private data size of RDMA_PS_TCP connect, accept
	// and reject messages.
	privDataLen   = 56
	privHeaderLen = 2

	// MaxConnPriv is the largest payload a PackPrivateData callback may
	// return.
	MaxConnPriv = privDataLen - privHeaderLen
)

// privateData is the decoded form of the connection private data: a one
// byte payload length, a signed status byte, then the payload.
type privateData struct {
	status  Status
	payload []byte
}

func packPrivateData(status Status, payload []byte) ([]byte, error) {
	if len(payload) > MaxConnPriv {
		return nil, newError("pack private data", StatusInvalidParam,
			fmt.Errorf("payload length %d exceeds %d", len(payload), MaxConnPriv))
	}
	buf := make([]byte, privHeaderLen+len(payload))
	buf[0] = uint8(len(payload))
	buf[1] = uint8(status)
	copy(buf[privHeaderLen:], payload)
	return buf, nil
}

func parsePrivateData(raw []byte) (privateData, error) {
	if len(raw) < privHeaderLen {
		return privateData{}, fmt.Errorf("private data too short: %d bytes", len(raw))
	}
	n := int(raw[0])
	if n > MaxConnPriv || privHeaderLen+n > len(raw) {
		return privateData{}, fmt.Errorf("private data length %d exceeds message (%d bytes)", n, len(raw))
	}
	payload := make([]byte, n)
	copy(payload, raw[privHeaderLen:privHeaderLen+n])
	return privateData{status: Status(int8(raw[1])), payload: payload}, nil
}

// rejectPrivateData is the header sent with an application reject.
func rejectPrivateData() []byte {
	buf, _ := packPrivateData(StatusRejected, nil)
	return buf
}
