package coragent

import (
	"github.com/ISE-SMILE/coragent/internal/pkg/corproto"
)

// KeyValue is an intermediate pair produced by a Mapper.
type KeyValue = corproto.KeyValue

// Emitter receives the pairs produced by user functions.
type Emitter interface {
	Emit(key, value string) error
}

// Mapper is the user supplied map function. It is called once per input
// record; records without a tab separated key are keyed by their file name.
type Mapper interface {
	Map(key, value string, emitter Emitter) error
}

// Reducer is the user supplied aggregation function. It must emit exactly
// one value for the key it is given. Values arrive in lexical order, so
// reducers that are not commutative still produce deterministic results.
type Reducer interface {
	Reduce(key string, values ValueIterator, emitter Emitter) error
}

// MapperFunc adapts a function to the Mapper interface.
type MapperFunc func(key, value string, emitter Emitter) error

func (f MapperFunc) Map(key, value string, emitter Emitter) error {
	return f(key, value, emitter)
}

// ReducerFunc adapts a function to the Reducer interface.
type ReducerFunc func(key string, values ValueIterator, emitter Emitter) error

func (f ReducerFunc) Reduce(key string, values ValueIterator, emitter Emitter) error {
	return f(key, values, emitter)
}

// ValueIterator iterates over the values of one reduce key.
type ValueIterator struct {
	values <-chan string
}

func newValueIterator(values []string) ValueIterator {
	c := make(chan string, len(values))
	for _, v := range values {
		c <- v
	}
	close(c)
	return ValueIterator{values: c}
}

// Iter returns a channel that yields every value once.
func (v ValueIterator) Iter() <-chan string {
	return v.values
}

// collectingEmitter buffers emitted pairs in memory.
type collectingEmitter struct {
	pairs []KeyValue
}

func (e *collectingEmitter) Emit(key, value string) error {
	e.pairs = append(e.pairs, KeyValue{Key: key, Value: value})
	return nil
}
