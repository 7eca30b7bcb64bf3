package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/regorov/imgload"
)

func TestRowResult(t *testing.T) {

	var tbl = []struct {
		val    Row
		result string
	}{
		{val: Row{
			URL: "http://img.test/a.png", Format: "png",
			Width: 10, Height: 5, Bytes: 1234,
			Duration: 1500 * time.Millisecond},
			result: `"http://img.test/a.png","ok","png","10","5","1234","false","1.5s"` + "\n"},
		{val: Row{
			URL: "http://img.test/b.png", Err: errors.New("http code 404"),
			Duration: 20 * time.Millisecond},
			result: `"http://img.test/b.png","http code 404","","0","0","0","false","20ms"` + "\n"},
		{val: Row{
			URL: "http://img.test/c.png", Format: "jpeg",
			Width: 3, Height: 4, Bytes: 77, Cached: true,
			Duration: time.Millisecond},
			result: `"http://img.test/c.png","ok","jpeg","3","4","77","true","1ms"` + "\n"},
	}

	for i := range tbl {
		if res := tbl[i].val.Result(); res != tbl[i].result {
			t.Errorf("case %d failed. Got: %s, expected: %s", i, res, tbl[i].result)
		}
	}
}

func TestBufferedCSV(t *testing.T) {

	fname := filepath.Join(t.TempDir(), "out.csv")

	out := NewBufferedCSV(3)
	if err := out.Open(fname); err != nil {
		t.Fatalf("open failed: %s", err.Error())
	}

	rows := []*Row{
		{URL: "http://img.test/1.png", Format: "png"},
		{URL: "http://img.test/2.png", Format: "png"},
		{URL: "http://img.test/3.png", Err: errors.New("http code 500")},
		{URL: "http://img.test/4.png", Format: "gif", Cached: true},
	}
	for _, r := range rows {
		if err := out.Save(r); err != nil {
			t.Fatalf("save failed: %s", err.Error())
		}
	}
	if err := out.Close(); err != nil {
		t.Fatalf("close failed: %s", err.Error())
	}

	// saving after close is ignored, not an error.
	if err := out.Save(rows[0]); err != nil {
		t.Errorf("save after close: %s", err.Error())
	}

	buf, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("result reading failed: %s", err.Error())
	}
	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) != len(rows)+1 {
		t.Fatalf("got %d lines, expected %d", len(lines), len(rows)+1)
	}
	if lines[0] != strings.TrimRight((&Row{}).Header(), "\n") {
		t.Errorf("header broken: %s", lines[0])
	}
	for i, r := range rows {
		if lines[i+1] != strings.TrimRight(r.Result(), "\n") {
			t.Errorf("line %d failed. Got: %s, expected: %s", i+1, lines[i+1], r.Result())
		}
	}
}

func TestBufferedCSVAppendKeepsSingleHeader(t *testing.T) {

	fname := filepath.Join(t.TempDir(), "out.csv")

	first := NewBufferedCSV(2)
	if err := first.Open(fname); err != nil {
		t.Fatalf("open failed: %s", err.Error())
	}
	_ = first.Save(&Row{URL: "http://img.test/1.png"})
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %s", err.Error())
	}

	second := NewBufferedCSV(2)
	if err := second.Open(fname); err != nil {
		t.Fatalf("reopen failed: %s", err.Error())
	}
	_ = second.Save(&Row{URL: "http://img.test/2.png"})
	if err := second.Close(); err != nil {
		t.Fatalf("close failed: %s", err.Error())
	}

	buf, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("result reading failed: %s", err.Error())
	}
	if n := strings.Count(string(buf), "\"url\""); n != 1 {
		t.Errorf("got %d headers, expected 1", n)
	}
}

func TestParsePolicy(t *testing.T) {

	var tbl = []struct {
		in     string
		result imgload.CachePolicy
		fails  bool
	}{
		{"default", imgload.CacheDefault, false},
		{"", imgload.CacheDefault, false},
		{"Refresh", imgload.CacheRefresh, false},
		{"BYPASS", imgload.CacheBypass, false},
		{"nonsense", imgload.CacheDefault, true},
	}

	for i := range tbl {
		res, err := parsePolicy(tbl[i].in)
		if (err != nil) != tbl[i].fails {
			t.Errorf("case %d failed. Unexpected err: %v", i, err)
			continue
		}
		if res != tbl[i].result {
			t.Errorf("case %d failed. Got: %s, expected: %s", i, res, tbl[i].result)
		}
	}
}

func TestClampPriority(t *testing.T) {

	var tbl = []struct {
		in     int
		result imgload.Priority
	}{
		{0, imgload.PriorityNormal},
		{2, imgload.PriorityVeryHigh},
		{-2, imgload.PriorityVeryLow},
		{99, imgload.PriorityVeryHigh},
		{-99, imgload.PriorityVeryLow},
	}

	for i := range tbl {
		if res := clampPriority(tbl[i].in); res != tbl[i].result {
			t.Errorf("case %d failed. Got: %s, expected: %s", i, res, tbl[i].result)
		}
	}
}
