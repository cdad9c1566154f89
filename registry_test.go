// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"net/netip"
	"os"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	. "github.com/jacobsa/ogletest"

	"github.com/jvolk/slitscan/internal/epoll"
)

func TestRegistry(t *testing.T) { RunTests(t) }

func init() { RegisterTestSuite(&RegistryTest{}) }

// fakeRecord is a minimal Record/ipIndexed/tokenIndexed for exercising the
// registry without a real Candidate's socket machinery.
type fakeRecord struct {
	fd    int
	ip    netip.Addr
	hasIP bool

	token    string
	hasToken bool
}

func (f *fakeRecord) FD() int                     { return f.fd }
func (f *fakeRecord) IndexIP() (netip.Addr, bool)  { return f.ip, f.hasIP }
func (f *fakeRecord) IndexToken() (string, bool)   { return f.token, f.hasToken }

type RegistryTest struct {
	poller *epoll.Poller
	reg    *Registry
	pipes  [][2]*os.File
}

func (t *RegistryTest) SetUp(ti *TestInfo) {
	var err error
	t.poller, err = epoll.New()
	AssertEq(nil, err)
	t.reg = NewRegistry(t.poller, 4)
}

func (t *RegistryTest) TearDown() {
	for _, p := range t.pipes {
		p[0].Close()
		p[1].Close()
	}
	t.poller.Close()
}

// newFD returns a fresh, distinct fd backed by a real pipe, since the
// registry registers it with a real epoll instance.
func (t *RegistryTest) newFD() int {
	r, w, err := os.Pipe()
	AssertEq(nil, err)
	t.pipes = append(t.pipes, [2]*os.File{r, w})
	return int(r.Fd())
}

func (t *RegistryTest) RegisterIndexesByFDAndIP() {
	fd := t.newFD()
	ip := netip.MustParseAddr("10.0.0.1")
	rec := &fakeRecord{fd: fd, ip: ip, hasIP: true}

	err := t.reg.Register(rec, epoll.In)
	AssertEq(nil, err)

	got, ok := t.reg.Lookup(fd)
	AssertTrue(ok)
	ExpectEq(rec, got)

	got, ok = t.reg.LookupByIP(ip)
	AssertTrue(ok)
	ExpectEq(rec, got)

	ExpectEq(1, t.reg.Len())
}

func (t *RegistryTest) RegisterWithoutIPDoesNotPolluteIPIndex() {
	fd := t.newFD()
	rec := &fakeRecord{fd: fd}

	err := t.reg.Register(rec, epoll.In)
	AssertEq(nil, err)

	stats := t.reg.Snapshot(0)
	ExpectEq(0, stats.IPs)
}

func (t *RegistryTest) BindTokenAddsToTokenIndexAfterTheFact() {
	fd := t.newFD()
	rec := &fakeRecord{fd: fd}
	AssertEq(nil, t.reg.Register(rec, epoll.In))

	// BindToken is called once the record itself already reports the token
	// via IndexToken, in the same order mintTokenFunc uses: Candidate.Token
	// is set first, then BindToken adds the by_token entry.
	rec.token, rec.hasToken = "some-token", true
	err := t.reg.BindToken(rec, "some-token")
	AssertEq(nil, err)

	got, ok := t.reg.LookupByToken("some-token")
	AssertTrue(ok)
	ExpectEq(rec, got)
}

func (t *RegistryTest) DoubleRegisterOfSameFDFails() {
	fd := t.newFD()
	rec := &fakeRecord{fd: fd}
	AssertEq(nil, t.reg.Register(rec, epoll.In))

	err := t.reg.Register(rec, epoll.In)
	ExpectNe(nil, err)
}

func (t *RegistryTest) UnregisterRemovesFromEveryIndex() {
	fd := t.newFD()
	ip := netip.MustParseAddr("10.0.0.2")
	rec := &fakeRecord{fd: fd, ip: ip, hasIP: true, token: "tok", hasToken: true}
	AssertEq(nil, t.reg.Register(rec, epoll.In))

	err := t.reg.Unregister(rec)
	AssertEq(nil, err)

	_, ok := t.reg.Lookup(fd)
	ExpectFalse(ok)
	_, ok = t.reg.LookupByIP(ip)
	ExpectFalse(ok)
	_, ok = t.reg.LookupByToken("tok")
	ExpectFalse(ok)
	ExpectEq(0, t.reg.Len())
}

func (t *RegistryTest) UnregisterOfUnknownFDPanics() {
	rec := &fakeRecord{fd: 99999}

	panicked := false
	func() {
		defer func() {
			if recover() != nil {
				panicked = true
			}
		}()
		t.reg.Unregister(rec)
	}()

	ExpectTrue(panicked)
}

func (t *RegistryTest) RegisteredReflectsLiveCandidates() {
	endpoint := ep("8.8.8.8:53")
	c := &Candidate{Endpoint: endpoint, fd: t.newFD(), State: StateInitiated}
	AssertEq(nil, t.reg.Register(c, epoll.In))

	ExpectTrue(t.reg.Registered(endpoint))
	ExpectFalse(t.reg.Registered(ep("9.9.9.9:53")))
}

func (t *RegistryTest) SnapshotReflectsEveryIndex() {
	fd := t.newFD()
	ip := netip.MustParseAddr("10.0.0.3")
	rec := &fakeRecord{fd: fd, ip: ip, hasIP: true, token: "tok", hasToken: true}
	AssertEq(nil, t.reg.Register(rec, epoll.In))

	got := t.reg.Snapshot(2)
	want := Stats{Queue: 2, FDs: 1, IPs: 1, Tokens: 1}

	diff := pretty.Compare(want, got)
	ExpectEq("", diff)
}

func (t *RegistryTest) CandidatesReturnsOnlyCandidateRecords() {
	fd := t.newFD()
	AssertEq(nil, t.reg.Register(&fakeRecord{fd: fd}, epoll.In))

	endpoint := ep("8.8.8.8:53")
	c := &Candidate{Endpoint: endpoint, fd: t.newFD(), State: StateInitiated}
	AssertEq(nil, t.reg.Register(c, epoll.In))

	cands := t.reg.Candidates()
	AssertEq(1, len(cands))
	ExpectEq(endpoint, cands[0].Endpoint)
}
