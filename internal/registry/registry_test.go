package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/InvestigativeJournalismFoundation/huon-test/pkg/crawl"
)

type stubPlugin struct {
	name   string
	labels crawl.LabelSet
}

func (p stubPlugin) Name() string           { return p.name }
func (p stubPlugin) Labels() crawl.LabelSet { return p.labels }
func (stubPlugin) Seed(context.Context, crawl.View) (crawl.SeedResult, error) {
	return crawl.Exhausted(), nil
}
func (stubPlugin) Sections(d crawl.Data) ([]crawl.Data, error) { return []crawl.Data{d}, nil }
func (stubPlugin) Parse(crawl.Data, string, time.Time) (crawl.ParseResult, error) {
	return crawl.ParseResult{}, nil
}

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := New()
	ns := stubPlugin{name: "ns", labels: crawl.NewLabelSet("search_results", "reg")}
	sk := stubPlugin{name: "sk", labels: crawl.NewLabelSet("main")}
	require.NoError(t, r.Register(ns))
	require.NoError(t, r.Register(sk))

	got, err := r.Lookup("ns")
	require.NoError(t, err)
	require.Equal(t, "ns", got.Name())
	require.Equal(t, []string{"ns", "sk"}, r.Names())

	_, err = r.Lookup("qc")
	require.ErrorIs(t, err, ErrPluginNotFound)
}

func TestRegisterRejectsInvalidPlugins(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register(stubPlugin{name: "ns", labels: crawl.NewLabelSet("reg")}))

	err := r.Register(stubPlugin{name: "ns", labels: crawl.NewLabelSet("reg")})
	require.ErrorIs(t, err, ErrDuplicatePlugin)

	require.Error(t, r.Register(nil))
	require.ErrorContains(t, r.Register(stubPlugin{name: " ", labels: crawl.NewLabelSet("reg")}), "name is required")
	require.ErrorContains(t, r.Register(stubPlugin{name: "x"}), "no labels")
	require.ErrorContains(t, r.Register(stubPlugin{name: "y", labels: crawl.NewLabelSet(crawl.LabelTotal)}), "reserved")
	require.ErrorContains(t, r.Register(stubPlugin{name: "z", labels: crawl.NewLabelSet("")}), "empty label")

	require.Panics(t, func() { r.MustRegister(stubPlugin{name: "ns", labels: crawl.NewLabelSet("reg")}) })
}
