package testutil

import (
	"fmt"
	"net"
	"os"
	"time"
)

// loopbackPool hands out distinct 127.0.0.x loopback addresses to
// concurrently running tests so each can bind its own agent without
// colliding with another test's listener on the same port. Addresses
// are returned to the pool once a test is done with them.
var loopbackPool = newAddrPool()

// probePort is the port TakeIP briefly binds on each candidate address
// to confirm the kernel will actually hand it out before committing.
const probePort = 10101

type addrPool struct {
	free chan net.IP
}

func newAddrPool() *addrPool {
	p := &addrPool{free: make(chan net.IP, 255)}
	for octet := byte(10); octet < 255; octet++ {
		p.free <- net.IPv4(127, 0, 0, octet)
	}
	return p
}

func (p *addrPool) acquire() net.IP {
	return <-p.free
}

func (p *addrPool) release(ip net.IP) {
	p.free <- ip
}

// TakeIP reserves a loopback address for exclusive use by the caller,
// verifying it's actually bindable first (a stale listener or a
// container network quirk can make an address in the pool unusable).
// The returned func releases the address; call it once the caller is
// done listening on it.
func TakeIP() (ip net.IP, release func()) {
	for attempt := 0; ; attempt++ {
		ip = loopbackPool.acquire()

		ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: ip, Port: probePort})
		if err != nil {
			loopbackPool.release(ip)
			continue
		}

		if attempt > 3 {
			logf("took %s after %d attempts", ip, attempt)
		}
		return ip, func() {
			ln.Close()
			// give the kernel a moment to free the port before the
			// address goes back in the pool and another test grabs it
			time.Sleep(50 * time.Millisecond)
			loopbackPool.release(ip)
		}
	}
}

func logf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stdout, "testutil: "+format+"\n", a...)
}
