package logging

import "time"

// Field is a single structured key/value attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// String, Int, Int64, Uint64, Float64, and Bool build a Field around a
// plain typed value; each storage subsystem reaches for whichever of
// these its own identifiers need.
func String(key, value string) Field     { return Field{Key: key, Value: value} }
func Int(key string, value int) Field    { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field    { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field  { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field  { return Field{Key: key, Value: value} }
func Any(key string, value any) Field    { return Field{Key: key, Value: value} }

// Duration renders a time.Duration with its own String form rather
// than a raw integer, so the emitted JSON reads "latency": "12.4ms"
// instead of a nanosecond count a human has to convert.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Error renders err's message, or an explicit nil when err is nil
// (rather than omitting the field), so a log line that checked for an
// error and found none still says so.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// The remaining helpers name CityHall's own recurring identifiers, so
// call sites write logging.Segment(n) instead of
// logging.Uint64("segment", n) at every WAL/replication log line.
func Component(name string) Field   { return String("component", name) }
func Operation(op string) Field     { return String("operation", op) }
func Path(p string) Field           { return String("path", p) }
func Count(n int) Field             { return Int("count", n) }
func Segment(n uint64) Field        { return Uint64("segment", n) }
func Key(k []byte) Field            { return String("key", string(k)) }
func Latency(d time.Duration) Field { return Duration("latency", d) }
