// Package netwatch is the compiled-in plugin that turns network
// interface up/down transitions into "net/iface/<name>" conditions.
// It speaks RTNETLINK directly over an AF_NETLINK socket: no
// retrieved example repo carries a netlink client, so this is built
// the way ingesters/canbus builds its CAN socket -- open a raw
// unix.Socket, bind it, and parse framed messages by hand with
// encoding/binary and the unix package's wire-format structs -- rather
// than pulling in an unvetted dependency for one plugin.
package netwatch

import (
	"encoding/binary"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sixfold/stepinit/internal/condition"
	"github.com/sixfold/stepinit/internal/eventloop"
	"github.com/sixfold/stepinit/internal/logging"
	"github.com/sixfold/stepinit/internal/plugin"
)

// Plugin implements plugin.Plugin.
type Plugin struct {
	mtx   sync.Mutex
	fd    int
	store *condition.Store
	log   *logging.Logger
	done  chan struct{}
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) Name() string        { return "netwatch" }
func (p *Plugin) DependsOn() []string { return nil }

func (p *Plugin) Start(loop *eventloop.Loop, store *condition.Store, lg *logging.Logger) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return err
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: unix.RTMGRP_LINK}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return err
	}
	p.fd = fd
	p.store = store
	p.log = lg
	p.done = make(chan struct{})

	if err := seedCurrentInterfaces(store); err != nil {
		if lg != nil {
			lg.Warn("netwatch: failed seeding interface state", logging.KVErr(err))
		}
	}

	go p.run()
	return nil
}

// seedCurrentInterfaces sets the initial ON/OFF condition for every
// interface that exists at plugin start, using net.Interfaces rather
// than an RTM_GETLINK dump round-trip: the subsequent RTMGRP_LINK
// multicast group only reports *changes*, not present state.
func seedCurrentInterfaces(store *condition.Store) error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	for _, iface := range ifaces {
		name := "net/iface/" + iface.Name
		if iface.Flags&net.FlagUp != 0 {
			if _, err := store.Set(name); err != nil {
				return err
			}
		} else {
			if _, err := store.Clear(name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Plugin) run() {
	buf := make([]byte, 8192)
	for {
		select {
		case <-p.done:
			return
		default:
		}
		n, _, err := unix.Recvfrom(p.fd, buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		p.handle(buf[:n])
	}
}

func (p *Plugin) handle(msg []byte) {
	for len(msg) >= unix.NLMSG_HDRLEN {
		var hdr unix.NlMsghdr
		hdr.Len = binary.LittleEndian.Uint32(msg[0:4])
		hdr.Type = binary.LittleEndian.Uint16(msg[4:6])
		if hdr.Len < unix.NLMSG_HDRLEN || int(hdr.Len) > len(msg) {
			return
		}
		if hdr.Type == unix.RTM_NEWLINK || hdr.Type == unix.RTM_DELLINK {
			p.handleLinkMessage(msg[unix.NLMSG_HDRLEN:hdr.Len], hdr.Type)
		}
		msg = msg[roundUp(int(hdr.Len)):]
	}
}

func (p *Plugin) handleLinkMessage(body []byte, msgType uint16) {
	if len(body) < unix.SizeofIfInfomsg {
		return
	}
	var ifi unix.IfInfomsg
	ifi.Index = int32(binary.LittleEndian.Uint32(body[4:8]))
	ifi.Flags = binary.LittleEndian.Uint32(body[8:12])

	name := interfaceNameByIndex(int(ifi.Index))
	if name == "" {
		return
	}
	cond := "net/iface/" + name
	up := msgType == unix.RTM_NEWLINK && ifi.Flags&unix.IFF_UP != 0
	var err error
	if up {
		_, err = p.store.Set(cond)
	} else {
		_, err = p.store.Clear(cond)
	}
	if err != nil && p.log != nil {
		p.log.Warn("netwatch: failed updating condition", logging.KV("iface", name), logging.KVErr(err))
	}
}

func interfaceNameByIndex(idx int) string {
	iface, err := net.InterfaceByIndex(idx)
	if err != nil {
		return ""
	}
	return iface.Name
}

func roundUp(n int) int {
	const align = unix.NLMSG_ALIGNTO
	return (n + align - 1) &^ (align - 1)
}

func (p *Plugin) Hook(plugin.Event) {}

func (p *Plugin) Stop() error {
	if p.done != nil {
		close(p.done)
	}
	if p.fd != 0 {
		return unix.Close(p.fd)
	}
	return nil
}
