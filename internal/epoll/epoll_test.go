// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package epoll_test

import (
	"os"
	"testing"
	"time"

	. "github.com/jacobsa/ogletest"

	"github.com/jvolk/slitscan/internal/epoll"
)

func TestEpoll(t *testing.T) { RunTests(t) }

func init() { RegisterTestSuite(&EpollTest{}) }

type EpollTest struct {
	poller *epoll.Poller
	r, w   *os.File
}

func (t *EpollTest) SetUp(ti *TestInfo) {
	var err error
	t.poller, err = epoll.New()
	AssertEq(nil, err)

	t.r, t.w, err = os.Pipe()
	AssertEq(nil, err)
}

func (t *EpollTest) TearDown() {
	t.r.Close()
	t.w.Close()
	t.poller.Close()
}

func (t *EpollTest) WaitReturnsNothingWithoutData() {
	AssertEq(nil, t.poller.Add(int(t.r.Fd()), epoll.In))

	events, err := t.poller.Wait(10 * time.Millisecond)
	AssertEq(nil, err)
	ExpectEq(0, len(events))
}

func (t *EpollTest) WaitReportsReadableFD() {
	fd := int(t.r.Fd())
	AssertEq(nil, t.poller.Add(fd, epoll.In))

	_, err := t.w.Write([]byte("x"))
	AssertEq(nil, err)

	events, err := t.poller.Wait(time.Second)
	AssertEq(nil, err)
	AssertEq(1, len(events))
	ExpectEq(fd, events[0].FD)
	ExpectTrue(events[0].Mask&epoll.In != 0)
}

func (t *EpollTest) RemoveStopsFurtherNotifications() {
	fd := int(t.r.Fd())
	AssertEq(nil, t.poller.Add(fd, epoll.In))
	AssertEq(nil, t.poller.Remove(fd))

	_, err := t.w.Write([]byte("x"))
	AssertEq(nil, err)

	events, err := t.poller.Wait(10 * time.Millisecond)
	AssertEq(nil, err)
	ExpectEq(0, len(events))
}
