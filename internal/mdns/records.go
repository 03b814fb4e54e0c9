package mdns

import (
	"fmt"
	"maps"
	"net"
	"sort"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

const (
	// DefaultTTL is used for every advertised record.
	DefaultTTL = 120

	classCacheFlush = dnsmessage.Class(0x8000)
	maxPacket       = 9000
)

// Service is one DNS-SD instance: a PTR from Type to FullName, an SRV and
// TXT on FullName, and an A record on Host.
type Service struct {
	Instance string
	Type     string // e.g. "_f1-car._udp.local."
	Host     string // e.g. "car-16.local."
	IP       net.IP
	Port     uint16
	TXT      map[string]string
}

func (s Service) FullName() string { return s.Instance + "." + s.Type }

func (s Service) Equal(o Service) bool {
	return s.Instance == o.Instance &&
		strings.EqualFold(s.Type, o.Type) &&
		strings.EqualFold(s.Host, o.Host) &&
		s.IP.Equal(o.IP) &&
		s.Port == o.Port &&
		maps.Equal(s.TXT, o.TXT)
}

func (s Service) txtStrings() []string {
	if len(s.TXT) == 0 {
		// TXT rdata must not be empty.
		return []string{""}
	}
	keys := make([]string, 0, len(s.TXT))
	for k := range s.TXT {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.TXT[k])
	}
	return out
}

func parseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, kv := range txt {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		out[strings.ToLower(k)] = v
	}
	return out
}

// buildQuery returns a PTR question for serviceType.
func buildQuery(serviceType string) ([]byte, error) {
	name, err := dnsmessage.NewName(serviceType)
	if err != nil {
		return nil, fmt.Errorf("mdns: query name %q: %w", serviceType, err)
	}
	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{})
	b.EnableCompression()
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{Name: name, Type: dnsmessage.TypePTR, Class: dnsmessage.ClassINET}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// buildResponse answers with the PTR of every service and carries SRV, TXT
// and A as additionals. A ttl of 0 produces a goodbye.
func buildResponse(id uint16, services []Service, ttl uint32) ([]byte, error) {
	type named struct {
		svc             Service
		typ, full, host dnsmessage.Name
	}
	ns := make([]named, 0, len(services))
	for _, s := range services {
		typ, err := dnsmessage.NewName(s.Type)
		if err != nil {
			return nil, fmt.Errorf("mdns: type %q: %w", s.Type, err)
		}
		full, err := dnsmessage.NewName(s.FullName())
		if err != nil {
			return nil, fmt.Errorf("mdns: instance %q: %w", s.FullName(), err)
		}
		host, err := dnsmessage.NewName(s.Host)
		if err != nil {
			return nil, fmt.Errorf("mdns: host %q: %w", s.Host, err)
		}
		ns = append(ns, named{svc: s, typ: typ, full: full, host: host})
	}

	b := dnsmessage.NewBuilder(make([]byte, 0, 512), dnsmessage.Header{ID: id, Response: true, Authoritative: true})
	b.EnableCompression()

	if err := b.StartAnswers(); err != nil {
		return nil, err
	}
	for _, n := range ns {
		hdr := dnsmessage.ResourceHeader{Name: n.typ, Class: dnsmessage.ClassINET, TTL: ttl}
		if err := b.PTRResource(hdr, dnsmessage.PTRResource{PTR: n.full}); err != nil {
			return nil, err
		}
	}

	if err := b.StartAdditionals(); err != nil {
		return nil, err
	}
	unique := dnsmessage.ClassINET | classCacheFlush
	for _, n := range ns {
		hdr := dnsmessage.ResourceHeader{Name: n.full, Class: unique, TTL: ttl}
		if err := b.SRVResource(hdr, dnsmessage.SRVResource{Port: n.svc.Port, Target: n.host}); err != nil {
			return nil, err
		}
		if err := b.TXTResource(hdr, dnsmessage.TXTResource{TXT: n.svc.txtStrings()}); err != nil {
			return nil, err
		}
		ip4 := n.svc.IP.To4()
		if ip4 == nil {
			continue
		}
		ahdr := dnsmessage.ResourceHeader{Name: n.host, Class: unique, TTL: ttl}
		var a dnsmessage.AResource
		copy(a.A[:], ip4)
		if err := b.AResource(ahdr, a); err != nil {
			return nil, err
		}
	}
	return b.Finish()
}

type ptrRecord struct {
	target string
	ttl    uint32
}

type srvRecord struct {
	port   uint16
	target string
}

// records is the flattened content of one response packet.
type records struct {
	ptr []ptrRecord
	srv map[string]srvRecord
	txt map[string][]string
	a   map[string]net.IP
}

func parseResponse(msg []byte, serviceType string) (*records, error) {
	var p dnsmessage.Parser
	h, err := p.Start(msg)
	if err != nil {
		return nil, err
	}
	if !h.Response {
		return nil, nil
	}
	if err := p.SkipAllQuestions(); err != nil {
		return nil, err
	}

	rs := &records{srv: map[string]srvRecord{}, txt: map[string][]string{}, a: map[string]net.IP{}}
	collect := func(res []dnsmessage.Resource) {
		for _, r := range res {
			name := strings.ToLower(r.Header.Name.String())
			switch body := r.Body.(type) {
			case *dnsmessage.PTRResource:
				if strings.EqualFold(name, serviceType) {
					rs.ptr = append(rs.ptr, ptrRecord{target: body.PTR.String(), ttl: r.Header.TTL})
				}
			case *dnsmessage.SRVResource:
				rs.srv[name] = srvRecord{port: body.Port, target: body.Target.String()}
			case *dnsmessage.TXTResource:
				rs.txt[name] = body.TXT
			case *dnsmessage.AResource:
				rs.a[name] = net.IPv4(body.A[0], body.A[1], body.A[2], body.A[3])
			}
		}
	}

	answers, err := p.AllAnswers()
	if err != nil {
		return nil, err
	}
	collect(answers)
	if err := p.SkipAllAuthorities(); err != nil {
		return nil, err
	}
	additionals, err := p.AllAdditionals()
	if err != nil {
		return nil, err
	}
	collect(additionals)
	return rs, nil
}

// resolve assembles a complete Service for the PTR target, or reports false
// when SRV, TXT or the host address is missing from the packet.
func (rs *records) resolve(fullname, serviceType string) (Service, bool) {
	key := strings.ToLower(fullname)
	srv, ok := rs.srv[key]
	if !ok {
		return Service{}, false
	}
	txt, ok := rs.txt[key]
	if !ok {
		return Service{}, false
	}
	ip, ok := rs.a[strings.ToLower(srv.target)]
	if !ok {
		return Service{}, false
	}
	instance := fullname
	if len(fullname) > len(serviceType)+1 && strings.EqualFold(fullname[len(fullname)-len(serviceType):], serviceType) {
		instance = fullname[:len(fullname)-len(serviceType)-1]
	}
	return Service{
		Instance: instance,
		Type:     serviceType,
		Host:     srv.target,
		IP:       ip,
		Port:     srv.port,
		TXT:      parseTXT(txt),
	}, true
}
