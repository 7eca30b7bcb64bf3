package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Row defines a structure of desired output line, one per finished fetch.
type Row struct {
	URL      string
	Err      error
	Format   string
	Width    int
	Height   int
	Bytes    int64
	Cached   bool
	Duration time.Duration
}

// Result returns a string in CSV format:
// "url","status","format","width","height","bytes","cached","dur".
func (r *Row) Result() string {
	status := "ok"
	if r.Err != nil {
		status = r.Err.Error()
	}
	return fmt.Sprintf("%q,%q,%q,\"%d\",\"%d\",\"%d\",\"%t\",%q\n",
		r.URL, status, r.Format, r.Width, r.Height, r.Bytes, r.Cached, r.Duration.String())
}

// Header returns header in CSV format.
func (r *Row) Header() string {
	return "\"url\",\"status\",\"format\",\"width\",\"height\",\"bytes\",\"cached\",\"dur\"\n"
}

// BufferedCSV is a CSV report file with write buffer. Safe for concurrent
// Save calls.
type BufferedCSV struct {
	mux                 sync.Mutex
	buf                 []string
	file                *os.File
	isHeadWriteRequired bool
}

// DefaultBufferLen defines default output buffer length.
const DefaultBufferLen = 10

// NewBufferedCSV returns new BufferedCSV instance. If size < 2,
// DefaultBufferLen (10) will be assigned.
func NewBufferedCSV(size int) *BufferedCSV {
	if size < 2 {
		size = DefaultBufferLen
	}
	return &BufferedCSV{buf: make([]string, 0, size)}
}

// Open creates file or appends if file is exist. CSV header writes only
// into empty file.
func (out *BufferedCSV) Open(fname string) error {

	var err error
	out.file, err = os.OpenFile(fname, os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}

	flen, err := out.file.Seek(0, 2) // to the end of the file
	if err != nil {
		_ = out.file.Close()
		return err
	}

	out.isHeadWriteRequired = (flen == 0)

	return nil
}

// Save adds the row to the buffer and flushes the buffer to the file if
// buffer length reached the limit.
func (out *BufferedCSV) Save(r *Row) error {

	out.mux.Lock()
	defer out.mux.Unlock()

	if out.file == nil {
		// ignore rows arriving after Close.
		return nil
	}

	if out.isHeadWriteRequired {
		// applies only at the first Save() call.
		out.buf = append(out.buf, r.Header())
		out.isHeadWriteRequired = false
	}

	out.buf = append(out.buf, r.Result())
	if len(out.buf) < cap(out.buf) {
		return nil
	}

	if _, err := out.file.WriteString(strings.Join(out.buf, "")); err != nil {
		return err
	}

	out.buf = out.buf[0:0:cap(out.buf)]
	return nil
}

// Close flushes to the output file unsaved buffer and closes file.
func (out *BufferedCSV) Close() error {
	out.mux.Lock()
	defer out.mux.Unlock()

	if out.file == nil {
		return nil
	}

	var err error
	if len(out.buf) > 0 {
		_, err = out.file.WriteString(strings.Join(out.buf, ""))
	}
	if err == nil {
		err = out.file.Close()
	} else {
		// return error related to WriteString
		_ = out.file.Close()
	}

	out.file = nil
	return err
}
