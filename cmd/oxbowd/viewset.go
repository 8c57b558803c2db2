package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	pc "go.oxbow.dev/core/coordinator/protocol"
	"go.oxbow.dev/core/frontier"
	"go.oxbow.dev/core/refresh"
	"gopkg.in/yaml.v2"
)

// viewSet is the declarative YAML description of the collections and
// materialized views which oxbowd manages. For example:
//
//	collections:
//	  - id: pageviews
//	  - id: purchases
//	views:
//	  - id: daily-rollup
//	    cluster: analytics
//	    upstreams: [pageviews, purchases]
//	    refresh:
//	      every:
//	        - period: 24h
//	          phase: 0
type viewSet struct {
	Collections []struct {
		ID    string `yaml:"id"`
		Read  uint64 `yaml:"read"`
		Write uint64 `yaml:"write"`
	} `yaml:"collections"`

	Views []struct {
		ID        string     `yaml:"id"`
		Cluster   string     `yaml:"cluster"`
		Upstreams []string   `yaml:"upstreams"`
		Refresh   refreshDef `yaml:"refresh"`
	} `yaml:"views"`
}

// refreshDef is the YAML shape of a refresh.Policy.
type refreshDef struct {
	Continuous bool `yaml:"continuous"`
	AtCreation bool `yaml:"atCreation"`
	Every      []struct {
		Period time.Duration `yaml:"period"`
		Phase  uint64        `yaml:"phase"`
	} `yaml:"every"`
	At []uint64 `yaml:"at"`
}

// policy maps the refreshDef into its refresh.Policy.
func (d refreshDef) policy() refresh.Policy {
	if d.Continuous {
		return refresh.Continuous()
	}
	if d.AtCreation {
		return refresh.AtCreationOnce()
	}
	var p refresh.Policy
	for _, e := range d.Every {
		p = p.And(refresh.EveryInterval(e.Period, frontier.Time(e.Phase)))
	}
	for _, at := range d.At {
		p = p.And(refresh.AtTimes(frontier.Time(at)))
	}
	return p
}

// loadViewSet reads and strictly parses the viewSet at |path|.
func loadViewSet(path string) (viewSet, error) {
	var set viewSet

	var raw, err = os.ReadFile(path)
	if err != nil {
		return set, errors.WithMessagef(err, "reading view set %s", path)
	}
	if err = yaml.UnmarshalStrict(raw, &set); err != nil {
		return set, errors.WithMessagef(err, "parsing view set %s", path)
	}
	return set, nil
}

// specs maps the declared views into ViewSpecs created at |now|, validating
// each.
func (set viewSet) specs(now frontier.Time) ([]pc.ViewSpec, error) {
	var out []pc.ViewSpec

	for _, v := range set.Views {
		var spec = pc.ViewSpec{
			ID:        pc.CollectionID(v.ID),
			Cluster:   pc.ClusterID(v.Cluster),
			Policy:    v.Refresh.policy(),
			CreatedAt: now,
		}
		for _, u := range v.Upstreams {
			spec.Upstreams = append(spec.Upstreams, pc.CollectionID(u))
		}
		if err := spec.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "view %s", v.ID)
		}
		out = append(out, spec)
	}
	return out, nil
}
