package gnss

import (
	"encoding/binary"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/arribada/horizon-core/internal/corelog"
	"github.com/arribada/horizon-core/pkg/flashfs"
)

const (
	offlineAssistFile = "gps_config.dat"
	onlineDBFile       = "gnss_online.dat"
	lastRunOffsetAttr  = 0

	onlineChunkBytes  = 128
	offlineChunkBytes = 512
	offlineStaleAfter = 24 * time.Hour

	maxDBDBufferBytes = 16 * 1024
)

var assistLog = corelog.For("gnss.assist")

// AssistState tracks what assistance data is available. The offset of the
// last offline scan is not recorded: lastOffset is never written, and each
// offline scan parses the file from the start.
type AssistState struct {
	HasOfflineFile    bool
	HasOnlineSnapshot bool
	lastOffset        uint32

	savedOnlineAckCount int

	dbdBuffer        []byte
	dbdCount         int
	dbdExpectedCount int
}

// CollectDBD accumulates one streamed MGA-DBD payload during
// FetchDatabase, bounded by maxDBDBufferBytes; the bound is enforced at
// save time so a single oversized delivery doesn't panic here.
func (a *AssistState) CollectDBD(payload []byte) {
	a.dbdBuffer = append(a.dbdBuffer, payload...)
	a.dbdCount++
}

// SetExpectedDBDCount records the count reported by the MGA-ACK that
// precedes the DBD stream.
func (a *AssistState) SetExpectedDBDCount(n int) { a.dbdExpectedCount = n }

// MGAANORecord is one offline-assistance record: a date tag plus the raw
// UBX frame bytes to stream verbatim to the receiver.
type MGAANORecord struct {
	Year  uint16
	Month uint8
	Day   uint8
	Raw   []byte
}

func recordDate(r MGAANORecord, now time.Time) time.Duration {
	d := time.Date(int(r.Year), time.Month(r.Month), int(r.Day), 0, 0, 0, 0, time.UTC)
	delta := now.Sub(d)
	if delta < 0 {
		delta = -delta
	}
	return delta
}

// SelectOfflineRun scans records in stored order and returns the
// contiguous run of records sharing the date closest to now, excluding
// any run stale by >= 24h. Per Open Question decision (a), ties (equal
// distance) keep the first-encountered run.
func SelectOfflineRun(records []MGAANORecord, now time.Time) []MGAANORecord {
	if len(records) == 0 {
		return nil
	}
	bestIdx := -1
	var bestDelta time.Duration
	for i, r := range records {
		delta := recordDate(r, now)
		if bestIdx == -1 || delta < bestDelta {
			bestIdx = i
			bestDelta = delta
		}
	}
	if bestIdx == -1 || bestDelta >= offlineStaleAfter {
		return nil
	}
	start := bestIdx
	for start > 0 && sameDate(records[start-1], records[bestIdx]) {
		start--
	}
	end := bestIdx
	for end+1 < len(records) && sameDate(records[end+1], records[bestIdx]) {
		end++
	}
	return records[start : end+1]
}

func sameDate(a, b MGAANORecord) bool {
	return a.Year == b.Year && a.Month == b.Month && a.Day == b.Day
}

// ParseMGAANO decodes the fixed offline-assistance file format: a
// sequence of UBX MGA-ANO frames, each carrying (year, month, day) at a
// fixed payload offset per the MGA-ANO message layout.
func ParseMGAANO(data []byte) []MGAANORecord {
	var recs []MGAANORecord
	var p parserState
	p.feed(data)
	for _, f := range p.frames() {
		if f.class != ClassMGA || f.id != IDMgaANO || len(f.payload) < 6 {
			continue
		}
		recs = append(recs, MGAANORecord{
			Year:  uint16(f.payload[4]) + 2000,
			Month: f.payload[5],
			Day:   f.payload[6],
			Raw:   f.raw,
		})
	}
	return recs
}

// sendOfflineDatabase streams the selected offline-assistance run to the
// receiver in bounded chunks, then resumes configuration.
func (d *Driver) sendOfflineDatabase() {
	f, err := d.fs.Open(offlineAssistFile, flashfs.ModeRead)
	if err != nil {
		d.assist.HasOfflineFile = false
		d.advanceConfigureStep()
		return
	}
	defer f.Close()

	raw := make([]byte, f.Size())
	if _, err := f.Read(raw); err != nil {
		d.advanceConfigureStep()
		return
	}
	buf, err := decompressZstd(raw)
	if err != nil {
		assistLog.Warnf("gnss: offline assist file corrupt: %v", err)
		d.advanceConfigureStep()
		return
	}
	records := ParseMGAANO(buf)
	run := SelectOfflineRun(records, time.Now())
	if len(run) == 0 {
		d.advanceConfigureStep()
		return
	}

	var payload []byte
	for _, r := range run {
		payload = append(payload, r.Raw...)
	}
	d.streamChunks(payload, offlineChunkBytes, d.advanceConfigureStep)
}

// sendOnlineDatabase streams the saved online-autonomous snapshot in
// small paced chunks.
func (d *Driver) sendOnlineDatabase() {
	f, err := d.fs.Open(onlineDBFile, flashfs.ModeRead)
	if err != nil {
		d.assist.HasOnlineSnapshot = false
		d.advanceConfigureStep()
		return
	}
	defer f.Close()
	buf := make([]byte, f.Size())
	if _, err := f.Read(buf); err != nil {
		d.advanceConfigureStep()
		return
	}
	d.streamChunks(buf, onlineChunkBytes, d.advanceConfigureStep)
}

func (d *Driver) streamChunks(payload []byte, chunkSize int, done func()) {
	var send func(offset int)
	send = func(offset int) {
		if offset >= len(payload) {
			done()
			return
		}
		end := offset + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := d.transport.Write(payload[offset:end]); err != nil {
			assistLog.Warnf("gnss: assistance chunk write failed: %v", err)
			done()
			return
		}
		d.sched.Post(1*time.Millisecond, func() { send(end) })
	}
	send(0)
}

// saveAssistDatabase polls MGA-DBD, collects the streamed messages into a
// bounded in-memory buffer, and writes them to FS on success. Overflow
// (more data than maxDBDBufferBytes) aborts the save, per §4.5.4.
func (d *Driver) saveAssistDatabase() {
	expected := d.assist.expectedDBDCount()
	// Feed() accumulates MGA-DBD payloads into d.assist via CollectDBD
	// while in FetchDatabase; finalize with whatever arrived by now.
	buf, count := d.assist.dbdBuffer, d.assist.dbdCount
	if len(buf) > maxDBDBufferBytes {
		assistLog.Warnf("gnss: dbd buffer overflow, skipping assistance save")
		d.enter(PowerOffState)
		return
	}
	if expected > 0 && count != expected {
		assistLog.Warnf("gnss: dbd message count mismatch, got %d want %d", count, expected)
	}
	if len(buf) > 0 {
		if f, err := d.fs.Open(onlineDBFile, flashfs.ModeCreate|flashfs.ModeWrite|flashfs.ModeTruncate); err == nil {
			f.Write(buf)
			f.Close()
			d.assist.HasOnlineSnapshot = true
		}
	}
	d.enter(PowerOffState)
}

func (a *AssistState) expectedDBDCount() int { return a.dbdExpectedCount }

// decompressZstd reverses pkg/ota's compressZstd: the offline assist file
// is staged onto FS zstd-compressed to fit more history in reserved FS
// capacity.
func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// parserState and ubxFrame are a thin local re-framing of pkg/gnss/ubx's
// parser so ParseMGAANO doesn't need to export raw frame bytes from that
// package (the offline file format needs the whole frame, not just the
// payload, to replay it verbatim to the receiver).
type parserState struct {
	buf []byte
}

type ubxFrame struct {
	class, id byte
	payload   []byte
	raw       []byte
}

func (p *parserState) feed(data []byte) { p.buf = append(p.buf, data...) }

func (p *parserState) frames() []ubxFrame {
	var out []ubxFrame
	i := 0
	for {
		s := -1
		for j := i; j < len(p.buf); j++ {
			if p.buf[j] == 0xB5 {
				s = j
				break
			}
		}
		if s < 0 || s+1 >= len(p.buf) || p.buf[s+1] != 0x62 {
			return out
		}
		if s+6 > len(p.buf) {
			return out
		}
		length := int(binary.LittleEndian.Uint16(p.buf[s+4 : s+6]))
		total := 6 + length + 2
		if s+total > len(p.buf) {
			return out
		}
		out = append(out, ubxFrame{
			class:   p.buf[s+2],
			id:      p.buf[s+3],
			payload: append([]byte(nil), p.buf[s+6:s+6+length]...),
			raw:     append([]byte(nil), p.buf[s:s+total]...),
		})
		i = s + total
	}
}
