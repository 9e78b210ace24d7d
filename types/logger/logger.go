// Copyright (c) 2020 Tailscale Inc & AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logger defines a type for writing to logs. It's just a
// convenience type so that we don't have to pass verbose func(...)
// types around.
package logger

import (
	"container/list"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the basic Tailscale logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
//
// Functions that wrap logger functions must pass through the original
// format and args, possibly augmented.
// Replacing the format and args (e.g. with fmt.Sprintf and %s)
// disrupts rate limiting and other package logger internals.
type Logf func(format string, args ...interface{})

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...interface{}) {
		f(prefix+format, args...)
	}
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...interface{}) {}

// limitData is used to keep track of each format string's associated
// rate-limiting data.
type limitData struct {
	lim        *rate.Limiter // the token bucket associated with this string
	msgBlocked bool          // whether a "duplicate error" message has already been logged
	ele        *list.Element // list element used to access this string in the cache
}

var disableRateLimit = os.Getenv("TS_DEBUG_LOG_RATE") == "all"

// rateFreePrefix are format string prefixes that are exempt from rate limiting.
// Things should not be added to this unless they're already limited otherwise.
var rateFreePrefix = []string{
	"magicsock: disco: ",
	"magicsock: CreateEndpoint:",
}

// RateLimitedFn returns a rate-limiting Logf wrapping the given logf.
// Messages are allowed through at a maximum of one message every f (where f is a time.Duration), in
// bursts of up to burst messages at a time. Up to maxCache strings will be held at a time.
func RateLimitedFn(logf Logf, f time.Duration, burst int, maxCache int) Logf {
	if disableRateLimit {
		return logf
	}
	r := rate.Every(f)
	var (
		mu       sync.Mutex
		msgLim   = make(map[string]*limitData) // keyed by logf format
		msgCache = list.New()                  // a rudimentary LRU that limits the size of the map
	)

	type verdict int
	const (
		allow verdict = iota
		warn
		block
	)

	// judge decides the fate of a log request and returns the string that should be used
	// to describe the format when the verdict is warn.
	judge := func(format string, args ...interface{}) (v verdict, warnFormat string) {
		contexts := make([]string, 0, 4) // make room for a couple of contexts
		for _, arg := range args {
			switch arg := arg.(type) {
			case noRateLimit:
				return allow, ""
			case rateLimitContext:
				contexts = append(contexts, arg.context)
			}
		}

		for _, pfx := range rateFreePrefix {
			if strings.HasPrefix(format, pfx) {
				return allow, ""
			}
		}

		if len(contexts) > 0 {
			format += " (rate-limit-context:" + strings.Join(contexts, ",") + ")"
		}

		mu.Lock()
		defer mu.Unlock()
		rl, ok := msgLim[format]
		if ok {
			msgCache.MoveToFront(rl.ele)
		} else {
			rl = &limitData{
				lim: rate.NewLimiter(r, burst),
				ele: msgCache.PushFront(format),
			}
			msgLim[format] = rl
			if msgCache.Len() > maxCache {
				delete(msgLim, msgCache.Back().Value.(string))
				msgCache.Remove(msgCache.Back())
			}
		}
		if rl.lim.Allow() {
			rl.msgBlocked = false
			return allow, ""
		}
		if !rl.msgBlocked {
			rl.msgBlocked = true
			format = noopFormatRemover.Replace(format)
			return warn, format
		}
		return block, ""
	}

	return func(format string, args ...interface{}) {
		switch v, warnFormat := judge(format, args...); v {
		case allow:
			logf(format, args...)
		case warn:
			// For the warning, log the specific format string
			logf("[RATE LIMITED] format string \"%s\" (example: \"%s\")", warnFormat, strings.TrimSpace(fmt.Sprintf(format, args...)))
		}
	}
}

// noopFormat is a special format we use to indicate that the corresponding
// argument is an internal implementation detail and can be ignored.
// It is selected specifically to be unusual, in the hopes in never occurs anywhere else.
const noopFormat = "%+5.2L"

var noopFormatRemover = strings.NewReplacer(noopFormat, "")

// noopFormatter is a type that generates nothing when printing using fmt.Sprintf.
// It may be embedded in types for internal-use args, so that, which used
// in correspondence with noopFormat, they have no impact on the actual log output.
type noopFormatter struct{}

func (noopFormatter) Format(fmt.State, rune) {}

func logfWithExtra(logf Logf, extra interface{}) Logf {
	return func(format string, args ...interface{}) {
		args = args[:len(args):len(args)]
		args = append(args, extra)
		logf(format+noopFormat, args...)
	}
}

// NoRateLimit removes rate limiting for logf.
func NoRateLimit(logf Logf) Logf {
	return logfWithExtra(logf, noRateLimit{})
}

// noRateLimit is a sentinel type.
// If there are any arguments of type noRateLimit in a call
// to a rate-limiter created by RateLimitedFn, then the
// rate-limiter ignores that log call.
type noRateLimit struct {
	noopFormatter
}

// RateLimitContext adds extra rate limiter context beyond the format string.
func RateLimitContext(logf Logf, context string) Logf {
	return logfWithExtra(logf, rateLimitContext{context: context})
}

type rateLimitContext struct {
	noopFormatter
	context string
}
