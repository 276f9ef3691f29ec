package main

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/ISE-SMILE/coragent"
)

type wordCount struct{}

func (w wordCount) Map(key, value string, emitter coragent.Emitter) error {
	words := strings.FieldsFunc(value, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, word := range words {
		if len(word) == 0 {
			continue
		}
		if err := emitter.Emit(strings.ToLower(word), "1"); err != nil {
			return err
		}
	}
	return nil
}

func (w wordCount) Reduce(key string, values coragent.ValueIterator, emitter coragent.Emitter) error {
	count := 0
	for value := range values.Iter() {
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		count += n
	}
	return emitter.Emit(key, strconv.Itoa(count))
}

func main() {
	wc := wordCount{}
	job := coragent.NewJob(wc, wc)

	driver := coragent.NewDriver(job)
	driver.Main()
}
