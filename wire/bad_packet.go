package wire

// BadPacketError reports malformed data from the network. Callers treat
// it as "ignore this datagram"; it carries no secrets and is safe to log.
type BadPacketError struct {
	Reason string
}

func (bpe *BadPacketError) Error() string {
	return "bad packet: " + bpe.Reason
}

func badPacket(reason string) *BadPacketError {
	return &BadPacketError{Reason: reason}
}
