package bench

import (
	"errors"
	"fmt"

	fi "github.com/rocketbitz/tagfabric-go/fi"
)

// pair is two connected endpoints sharing one domain. Endpoint 0 sends and
// endpoint 1 receives.
type pair struct {
	fabric *fi.Fabric
	domain *fi.Domain
	cq     [2]*fi.CompletionQueue
	av     [2]*fi.AddressVector
	ep     [2]*fi.Endpoint
	// addr[i] is endpoint i's handle in the other endpoint's address vector.
	addr [2]fi.Address
}

func openPair(fabricName string, opts []fi.EndpointOption) (p *pair, err error) {
	discovery, err := fi.DiscoverDescriptors(
		fi.WithEndpointType(fi.EndpointTypeRDM),
		fi.WithCaps(fi.CapTagged),
		fi.WithFabric(fabricName),
	)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	defer discovery.Close()
	descs := discovery.Descriptors()
	if len(descs) == 0 {
		return nil, errors.New("no tagged RDM descriptor")
	}
	desc := descs[0]

	p = &pair{}
	defer func() {
		if err != nil {
			p.close()
			p = nil
		}
	}()
	if p.fabric, err = desc.OpenFabric(); err != nil {
		return p, fmt.Errorf("open fabric: %w", err)
	}
	if p.domain, err = desc.OpenDomain(p.fabric); err != nil {
		return p, fmt.Errorf("open domain: %w", err)
	}
	for i := range p.ep {
		if p.cq[i], err = p.domain.OpenCompletionQueue(nil); err != nil {
			return p, fmt.Errorf("open cq %d: %w", i, err)
		}
		if p.av[i], err = p.domain.OpenAddressVector(nil); err != nil {
			return p, fmt.Errorf("open av %d: %w", i, err)
		}
		if p.ep[i], err = desc.OpenEndpoint(p.domain, opts...); err != nil {
			return p, fmt.Errorf("open endpoint %d: %w", i, err)
		}
		if err = p.ep[i].BindCompletionQueue(p.cq[i], fi.BindSend|fi.BindRecv); err != nil {
			return p, fmt.Errorf("bind cq %d: %w", i, err)
		}
		if err = p.ep[i].BindAddressVector(p.av[i], 0); err != nil {
			return p, fmt.Errorf("bind av %d: %w", i, err)
		}
		if err = p.ep[i].Enable(); err != nil {
			return p, fmt.Errorf("enable endpoint %d: %w", i, err)
		}
	}
	for i := range p.ep {
		name, err := p.ep[i].Name()
		if err != nil {
			return p, fmt.Errorf("endpoint %d name: %w", i, err)
		}
		if p.addr[i], err = p.av[1-i].InsertRaw(name, 0); err != nil {
			return p, fmt.Errorf("insert endpoint %d: %w", i, err)
		}
	}
	return p, nil
}

func (p *pair) close() {
	for i := range p.ep {
		if p.ep[i] != nil {
			_ = p.ep[i].Close()
		}
		if p.av[i] != nil {
			_ = p.av[i].Close()
		}
		if p.cq[i] != nil {
			_ = p.cq[i].Close()
		}
	}
	if p.domain != nil {
		_ = p.domain.Close()
	}
	if p.fabric != nil {
		_ = p.fabric.Close()
	}
}

type benchMode struct {
	name   string
	inject bool
	data   bool
	send   func(p *pair, x transfer, ctx any) error
	recv   func(p *pair, x transfer, ctx any) error
}

func halves(buf []byte) [][]byte {
	mid := len(buf) / 2
	return [][]byte{buf[:mid], buf[mid:]}
}

func sendPlain(p *pair, x transfer, ctx any) error {
	_, err := p.ep[0].TSend(x.src, x.srcDesc, p.addr[1], x.tag, ctx)
	return err
}

func recvPlain(p *pair, x transfer, ctx any) error {
	_, err := p.ep[1].TRecv(x.dst, x.dstDesc, p.addr[0], x.tag, 0, ctx)
	return err
}

var modes = map[string]benchMode{
	"tsend": {name: "tsend", send: sendPlain, recv: recvPlain},
	"tsendv": {
		name: "tsendv", recv: recvPlain,
		send: func(p *pair, x transfer, ctx any) error {
			_, err := p.ep[0].TSendV(halves(x.src), x.srcDesc, p.addr[1], x.tag, ctx)
			return err
		},
	},
	"tsendmsg": {
		name: "tsendmsg", recv: recvPlain,
		send: func(p *pair, x transfer, ctx any) error {
			_, err := p.ep[0].TSendMsg(&fi.TaggedMsg{IOV: [][]byte{x.src}, Desc: x.srcDesc, Addr: p.addr[1], Tag: x.tag, Context: ctx}, 0)
			return err
		},
	},
	"tsenddata": {
		name: "tsenddata", data: true, recv: recvPlain,
		send: func(p *pair, x transfer, ctx any) error {
			_, err := p.ep[0].TSendData(x.src, x.srcDesc, x.tag, p.addr[1], x.tag, ctx)
			return err
		},
	},
	"trecvv": {
		name: "trecvv", send: sendPlain,
		recv: func(p *pair, x transfer, ctx any) error {
			_, err := p.ep[1].TRecvV(halves(x.dst), x.dstDesc, fi.AddressUnspecified, x.tag, 0, ctx)
			return err
		},
	},
	"trecvmsg": {
		name: "trecvmsg", send: sendPlain,
		recv: func(p *pair, x transfer, ctx any) error {
			_, err := p.ep[1].TRecvMsg(&fi.TaggedMsg{IOV: [][]byte{x.dst}, Desc: x.dstDesc, Addr: p.addr[0], Tag: x.tag, Context: ctx}, 0)
			return err
		},
	},
	"tinject": {
		name: "tinject", inject: true, recv: recvPlain,
		send: func(p *pair, x transfer, _ any) error {
			return p.ep[0].TInject(x.src, p.addr[1], x.tag)
		},
	},
}
