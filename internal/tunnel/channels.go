package tunnel

// Channel names for yamux stream multiplexing. Each yamux stream begins with
// a one-line header declaring the channel name followed by a newline (e.g.
// "terminal\n"). The listener-side router reads this header and hands the
// stream to the registered ChannelHandler.
const (
	ChannelTerminal = "terminal"
	ChannelPing     = "ping"
)
