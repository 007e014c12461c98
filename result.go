// SPDX-License-Identifier: GPL-3.0-or-later

package mtusweep

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// MeasurementSample is the outcome of one successful inner sweep iteration.
type MeasurementSample struct {
	ServerMTU           uint32
	PeerMTU             uint32
	UploadReceiveMbps   float64
	UploadSendMbps      float64
	DownloadReceiveMbps float64
	DownloadSendMbps    float64
}

// Total returns the sum of the upload and download receive rates.
func (s MeasurementSample) Total() float64 {
	return s.UploadReceiveMbps + s.DownloadReceiveMbps
}

// ResultHeader is the header row of the result file.
var ResultHeader = []string{
	"server_mtu",
	"client_mtu",
	"upload_rcv_mbps",
	"upload_send_mbps",
	"download_rcv_mbps",
	"download_send_mbps",
}

// record returns the CSV row for the sample.
func (s MeasurementSample) record() []string {
	return []string{
		strconv.FormatUint(uint64(s.ServerMTU), 10),
		strconv.FormatUint(uint64(s.PeerMTU), 10),
		formatMbps(s.UploadReceiveMbps),
		formatMbps(s.UploadSendMbps),
		formatMbps(s.DownloadReceiveMbps),
		formatMbps(s.DownloadSendMbps),
	}
}

// formatMbps formats using the shortest decimal representation without exponent.
func formatMbps(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// Syncer commits written data to stable storage. The [*os.File] type
// implements this interface.
type Syncer interface {
	Sync() error
}

// ResultSink is the append-only store of [MeasurementSample] rows.
//
// Construct using [CreateResultSink] or [NewResultSink].
type ResultSink struct {
	// closer closes the underlying file.
	closer io.Closer

	// once provides "once" semantics for Close.
	once sync.Once

	// path is the file path (or a description of the writer).
	path string

	// syncer makes rows durable.
	syncer Syncer

	// writer is the CSV writer.
	writer *csv.Writer
}

// CreateResultSink creates (or truncates) the file at path and writes the header.
func CreateResultSink(path string) (*ResultSink, error) {
	filep, err := os.Create(path)
	if err != nil {
		return nil, &SinkError{Op: "create", Path: path, Err: err}
	}
	sink, err := NewResultSink(path, filep, filep)
	if err != nil {
		return nil, errors.Join(err, filep.Close())
	}
	return sink, nil
}

// NewResultSink writes the header into wc and returns a [*ResultSink].
//
// The path is only used for reporting. The syncer may be nil, in which
// case rows are flushed to wc but not synced.
func NewResultSink(path string, wc io.WriteCloser, syncer Syncer) (*ResultSink, error) {
	sink := &ResultSink{
		closer: wc,
		path:   path,
		syncer: syncer,
		writer: csv.NewWriter(wc),
	}
	if err := sink.write("write header", ResultHeader); err != nil {
		return nil, err
	}
	return sink, nil
}

// Path returns the result file path.
func (s *ResultSink) Path() string {
	return s.path
}

// Append writes one row and makes it durable before returning.
func (s *ResultSink) Append(sample MeasurementSample) error {
	return s.write("append", sample.record())
}

// write writes, flushes, and syncs a single record.
func (s *ResultSink) write(op string, record []string) error {
	if err := s.writer.Write(record); err != nil {
		return &SinkError{Op: op, Path: s.path, Err: err}
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return &SinkError{Op: op, Path: s.path, Err: err}
	}
	if s.syncer != nil {
		if err := s.syncer.Sync(); err != nil {
			return &SinkError{Op: "sync", Path: s.path, Err: err}
		}
	}
	return nil
}

// Close closes the underlying file. It is safe to call more than once.
func (s *ResultSink) Close() (err error) {
	s.once.Do(func() {
		if cerr := s.closer.Close(); cerr != nil {
			err = &SinkError{Op: "close", Path: s.path, Err: cerr}
		}
	})
	return
}

// ReadResults parses a result file written by [*ResultSink].
func ReadResults(r io.Reader) ([]MeasurementSample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = len(ResultHeader)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 1 {
		return nil, errors.New("missing header row")
	}
	for idx, name := range ResultHeader {
		if records[0][idx] != name {
			return nil, fmt.Errorf("unexpected header column %d: %q", idx, records[0][idx])
		}
	}
	var samples []MeasurementSample
	for lineno, record := range records[1:] {
		sample, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", lineno+2, err)
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// parseRecord parses a single CSV row.
func parseRecord(record []string) (MeasurementSample, error) {
	var (
		sample MeasurementSample
		errs   []error
	)
	parseMTU := func(value string) uint32 {
		v, err := strconv.ParseUint(value, 10, 32)
		errs = append(errs, err)
		return uint32(v)
	}
	parseMbps := func(value string) float64 {
		v, err := strconv.ParseFloat(value, 64)
		errs = append(errs, err)
		return v
	}
	sample.ServerMTU = parseMTU(record[0])
	sample.PeerMTU = parseMTU(record[1])
	sample.UploadReceiveMbps = parseMbps(record[2])
	sample.UploadSendMbps = parseMbps(record[3])
	sample.DownloadReceiveMbps = parseMbps(record[4])
	sample.DownloadSendMbps = parseMbps(record[5])
	return sample, errors.Join(errs...)
}

// BestSample returns the sample with the highest [MeasurementSample.Total].
func BestSample(samples []MeasurementSample) (MeasurementSample, bool) {
	var (
		best  MeasurementSample
		found bool
	)
	for _, sample := range samples {
		if !found || sample.Total() > best.Total() {
			best, found = sample, true
		}
	}
	return best, found
}
