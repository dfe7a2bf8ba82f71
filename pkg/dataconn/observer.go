package dataconn

// Observer receives session events, e.g. to export metrics. Calls are made
// synchronously from Step and must not block.
type Observer interface {
	FrameReceived(t Type)
	AckSent()
	DataReceived(n int)
	FileCompleted(name string, size int64)
	FileAbandoned(name string, kind ErrorKind)
	ProtocolError(kind ErrorKind)
	Connected()
	Disconnected()
}

type nopObserver struct{}

func (nopObserver) FrameReceived(Type) {}
func (nopObserver) AckSent() {}
func (nopObserver) DataReceived(int) {}
func (nopObserver) FileCompleted(string, int64) {}
func (nopObserver) FileAbandoned(string, ErrorKind) {}
func (nopObserver) ProtocolError(ErrorKind) {}
func (nopObserver) Connected() {}
func (nopObserver) Disconnected() {}
