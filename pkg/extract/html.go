// Package extract holds leaf helpers plugins use to pull fields out of fetched
// pages. Every helper reports a missing element as *crawl.FieldExtractionError
// and a malformed date as *crawl.DateFormatError so the scheduler can isolate
// the failing record.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

// Document parses the payload of d as HTML.
func Document(d crawl.Data) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(d.Payload))
	if err != nil {
		return nil, fmt.Errorf("parse html for label %q: %w", d.Label, err)
	}
	return doc, nil
}

// Rows returns the outer HTML of every row of the first table matching
// tableSelector, skipping the header row.
func Rows(doc *goquery.Document, tableSelector string) ([]string, error) {
	table := doc.Find(tableSelector).First()
	if table.Length() == 0 {
		return nil, &crawl.FieldExtractionError{Field: tableSelector}
	}
	rows := table.Find("tr")
	out := make([]string, 0, rows.Length())
	var outerErr error
	rows.Each(func(i int, row *goquery.Selection) {
		if i == 0 || outerErr != nil {
			return
		}
		html, err := goquery.OuterHtml(row)
		if err != nil {
			outerErr = err
			return
		}
		out = append(out, html)
	})
	if outerErr != nil {
		return nil, fmt.Errorf("render table row: %w", outerErr)
	}
	return out, nil
}

// FirstHref returns the href of the first anchor in doc.
func FirstHref(doc *goquery.Document) (string, error) {
	href, ok := doc.Find("a[href]").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", &crawl.FieldExtractionError{Field: "a[href]"}
	}
	return strings.TrimSpace(href), nil
}

// SiblingText finds the first labelSelector element whose text contains
// labelText and returns the trimmed text of its next valueSelector sibling.
func SiblingText(doc *goquery.Document, labelSelector, labelText, valueSelector string) (string, error) {
	label := doc.Find(labelSelector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.Contains(s.Text(), labelText)
	}).First()
	if label.Length() == 0 {
		return "", &crawl.FieldExtractionError{Field: labelText}
	}
	value := label.NextAllFiltered(valueSelector).First()
	if value.Length() == 0 {
		return "", &crawl.FieldExtractionError{Field: labelText, Err: fmt.Errorf("no %s sibling", valueSelector)}
	}
	return strings.TrimSpace(value.Text()), nil
}

// TableValueAfter finds the table cell whose text equals cellText and returns
// the first cell of the following row.
func TableValueAfter(doc *goquery.Document, cellText string) (string, error) {
	cell := doc.Find("td").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.TrimSpace(s.Text()) == cellText
	}).First()
	if cell.Length() == 0 {
		return "", &crawl.FieldExtractionError{Field: cellText}
	}
	next := cell.Closest("tr").Next()
	value := next.Find("td").First()
	if value.Length() == 0 {
		return "", &crawl.FieldExtractionError{Field: cellText, Err: fmt.Errorf("no value row")}
	}
	return strings.TrimSpace(value.Text()), nil
}
