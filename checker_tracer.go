package main

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// CheckerTracer records the connection milestones of a single probe request.
// Hooks may fire from transport goroutines, hence the mutex.
type CheckerTracer struct {
	sync.Mutex
	requestStartTime      time.Time
	connStartTime         time.Time
	connAcquiredTime      time.Time
	firstResponseByte     time.Time
	dnsStartTime          time.Time
	dnsDoneTime           time.Time
	tlsHandshakeStartTime time.Time
	tlsHandshakeDoneTime  time.Time
}

type ProbeTimings struct {
	DNSLookupMs         int64 `json:"dns_lookup_ms"`
	ConnAcquiredMs      int64 `json:"conn_acquired_ms"`
	TLSHandshakeMs      int64 `json:"tls_handshake_ms"`
	FirstResponseByteMs int64 `json:"first_response_byte_ms"`
}

// NewCheckerTracer starts tracing at requestStart, which must come from time.Now so the
// monotonic reading is kept.
func NewCheckerTracer(requestStart time.Time) *CheckerTracer {
	return &CheckerTracer{requestStartTime: requestStart}
}

func (ct *CheckerTracer) GetClientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			ct.Lock()
			ct.connStartTime = time.Now()
			ct.Unlock()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			ct.Lock()
			ct.connAcquiredTime = time.Now()
			ct.Unlock()
		},
		GotFirstResponseByte: func() {
			ct.Lock()
			ct.firstResponseByte = time.Now()
			ct.Unlock()
		},
		DNSStart: func(httptrace.DNSStartInfo) {
			ct.Lock()
			ct.dnsStartTime = time.Now()
			ct.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			ct.Lock()
			ct.dnsDoneTime = time.Now()
			ct.Unlock()
		},
		TLSHandshakeStart: func() {
			ct.Lock()
			ct.tlsHandshakeStartTime = time.Now()
			ct.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			ct.Lock()
			ct.tlsHandshakeDoneTime = time.Now()
			ct.Unlock()
		},
	}
}

// ResponseTime is the time from request start to the first response byte. The second
// return value is false when no response byte was seen.
func (ct *CheckerTracer) ResponseTime() (time.Duration, bool) {
	ct.Lock()
	defer ct.Unlock()

	if ct.firstResponseByte.IsZero() || ct.requestStartTime.IsZero() {
		return 0, false
	}
	return ct.firstResponseByte.Sub(ct.requestStartTime), true
}

func (ct *CheckerTracer) GetTimings() ProbeTimings {
	ct.Lock()
	defer ct.Unlock()

	var timings ProbeTimings

	if !ct.dnsDoneTime.IsZero() && !ct.dnsStartTime.IsZero() {
		timings.DNSLookupMs = ct.dnsDoneTime.Sub(ct.dnsStartTime).Milliseconds()
	}

	if !ct.connAcquiredTime.IsZero() && !ct.connStartTime.IsZero() {
		timings.ConnAcquiredMs = ct.connAcquiredTime.Sub(ct.connStartTime).Milliseconds()
	}

	if !ct.tlsHandshakeDoneTime.IsZero() && !ct.tlsHandshakeStartTime.IsZero() {
		timings.TLSHandshakeMs = ct.tlsHandshakeDoneTime.Sub(ct.tlsHandshakeStartTime).Milliseconds()
	}

	// Time to first byte counts from the moment the connection was ready.
	if !ct.firstResponseByte.IsZero() && !ct.connAcquiredTime.IsZero() {
		timings.FirstResponseByteMs = ct.firstResponseByte.Sub(ct.connAcquiredTime).Milliseconds()
	}

	return timings
}
