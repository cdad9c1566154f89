// Copyright 2014 Jason Volk and Svetlana Tkachenko. All Rights Reserved.

package slitscan

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/jacobsa/ogletest"

	"golang.org/x/sys/unix"
)

func TestIngest(t *testing.T) { RunTests(t) }

func init() { RegisterTestSuite(&IngestTest{}) }

type IngestTest struct {
	dir  string
	path string
	in   *Ingest
}

func (t *IngestTest) SetUp(ti *TestInfo) {
	var err error
	t.dir, err = os.MkdirTemp("", "slitscan_ingest_test")
	AssertEq(nil, err)
	t.path = filepath.Join(t.dir, "harvest.fifo")

	t.in, err = openIngest(t.path)
	AssertEq(nil, err)
}

func (t *IngestTest) TearDown() {
	t.in.closeFD()
	os.RemoveAll(t.dir)
}

func (t *IngestTest) writeLine(s string) {
	w, err := unix.Open(t.path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	AssertEq(nil, err)
	_, err = unix.Write(w, []byte(s))
	AssertEq(nil, err)
	AssertEq(nil, unix.Close(w))
}

func (t *IngestTest) ReadsCompleteLines() {
	t.writeLine("10.0.0.1:80\n10.0.0.2:81\n")

	lines, err := t.in.readLines()
	AssertEq(nil, err)
	AssertEq(2, len(lines))
	ExpectEq("10.0.0.1:80", lines[0])
	ExpectEq("10.0.0.2:81", lines[1])
}

func (t *IngestTest) BuffersPartialLineAcrossReads() {
	t.writeLine("10.0.0.1:8")
	lines, err := t.in.readLines()
	AssertEq(nil, err)
	ExpectEq(0, len(lines))

	t.writeLine("0\n")
	lines, err = t.in.readLines()
	AssertEq(nil, err)
	AssertEq(1, len(lines))
	ExpectEq("10.0.0.1:80", lines[0])
}

func (t *IngestTest) HarvestersListsSiblingsExcludingFIFO() {
	AssertEq(nil, os.WriteFile(filepath.Join(t.dir, "twitter_harvester.py"), nil, 0644))
	AssertEq(nil, os.WriteFile(filepath.Join(t.dir, "shodan_harvester.py"), nil, 0644))

	names, err := Harvesters(t.dir, t.path)
	AssertEq(nil, err)
	AssertEq(2, len(names))
	ExpectEq("shodan_harvester.py", names[0])
	ExpectEq("twitter_harvester.py", names[1])
}

func (t *IngestTest) ReopenPreservesFDIdentity() {
	t.writeLine("10.0.0.1:8")
	_, err := t.in.readLines()
	AssertEq(nil, err)
	ExpectEq(10, len(t.in.partial))

	oldFD := t.in.fd
	AssertEq(nil, t.in.reopen())

	ExpectEq(oldFD, t.in.fd)
	ExpectEq(0, len(t.in.partial))

	// The fd is still fully usable after the dup2 reopen.
	t.writeLine("10.0.0.2:81\n")
	lines, err := t.in.readLines()
	AssertEq(nil, err)
	AssertEq(1, len(lines))
	ExpectEq("10.0.0.2:81", lines[0])
}
