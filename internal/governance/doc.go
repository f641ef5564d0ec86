// Package governance holds the runtime safety controls of the gateway.
//
// A Breaker, built on sony/gobreaker, watches the execution outcomes of one
// pipeline; its counts reset every window. When the failure rate or the run of consecutive failures crosses its
// threshold the breaker opens, and the pipeline manager reacts by putting the
// pipeline into maintenance. The breaker itself never rejects calls; admission
// control stays with the manager.
//
// RetryPolicy and UpstreamLimiter guard individual upstream calls made by
// transport modules: the first retries throttled or failed calls with
// backoff, the second paces calls to stay under a provider quota using
// golang.org/x/time/rate.
package governance
