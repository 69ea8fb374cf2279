package extract

import (
	"fmt"
	"strings"
	"time"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

var strftimeDirectives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'B': "January",
	'b': "Jan",
	'H': "15",
	'M': "04",
	'S': "05",
	'p': "PM",
	'%': "%",
}

// parseDirectives relaxes day and month the way strptime does: "1-March-2019"
// and "01-March-2019" both match %d-%B-%Y.
var parseDirectives = map[byte]string{
	'm': "1",
	'd': "2",
}

// GoLayout translates a strftime layout such as "%d-%B-%Y" into a Go time
// layout.
func GoLayout(layout string) (string, error) {
	return translate(layout, nil)
}

func translate(layout string, overrides map[byte]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(layout); i++ {
		c := layout[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(layout) {
			return "", fmt.Errorf("layout %q ends with a bare %%", layout)
		}
		i++
		directive, ok := overrides[layout[i]]
		if !ok {
			directive, ok = strftimeDirectives[layout[i]]
		}
		if !ok {
			return "", fmt.Errorf("layout %q: unsupported directive %%%c", layout, layout[i])
		}
		b.WriteString(directive)
	}
	return b.String(), nil
}

// ParseDate parses value with a strftime layout in UTC. A value that does not
// match yields *crawl.DateFormatError carrying the literal value.
func ParseDate(layout, value string) (time.Time, error) {
	goLayout, err := translate(layout, parseDirectives)
	if err != nil {
		return time.Time{}, err
	}
	parsed, err := time.ParseInLocation(goLayout, strings.TrimSpace(value), time.UTC)
	if err != nil {
		return time.Time{}, &crawl.DateFormatError{Value: value, Layout: layout, Err: err}
	}
	return parsed, nil
}
