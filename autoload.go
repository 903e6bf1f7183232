package horde

import (
	"context"
	"strings"

	"github.com/tedsuo/horde/bus"
	"github.com/tedsuo/horde/config"
)

// Autoload loads every configured horde concurrently. One horde failing does
// not stop the others; the returned error is the trace of every failure.
func (h *Horde) Autoload(ctx context.Context) error {
	tasks := make([]task, 0, len(h.cfg.Hordes))
	for _, appID := range h.cfg.Hordes {
		appID := appID
		tasks = append(tasks, task{name: appID, run: func(ctx context.Context) error {
			return h.loadHorde(ctx, appID)
		}})
	}

	h.logger.Info().Strs("hordes", h.cfg.Hordes).Msg("autoload")
	return joinAll(ctx, tasks)
}

// AddApp adds the primary member of one horde, attached when the topology
// knows it and spawned otherwise.
func (h *Horde) AddApp(ctx context.Context, appID string) (string, error) {
	name, variant := splitAppID(appID)
	return h.Add(ctx, MemberSpec{
		Horde:   name,
		Variant: variant,
		Source:  h.sourceFor(name, 0),
	})
}

func (h *Horde) loadHorde(ctx context.Context, appID string) error {
	name, variant := splitAppID(appID)

	if entry, ok := h.cfg.Topology.Lookup(name, 0); ok && len(entry.Tribes) > 0 {
		if name == h.cfg.App {
			return h.dispatchTribes(ctx, name, variant, entry)
		}
		return h.attachTribes(ctx, name, variant, entry)
	}

	id, err := h.Add(ctx, MemberSpec{
		Horde:   name,
		Variant: variant,
		Source:  h.sourceFor(name, 0),
	})
	if err != nil {
		return err
	}

	primary, ok := h.Get(id)
	if !ok || !primary.IsSpawned() {
		return nil
	}
	total := primary.Params().TotalTribes
	if total <= 1 {
		return nil
	}
	primary.setTotalTribes(total)

	tasks := make([]task, 0, total-1)
	for tribe := 1; tribe < total; tribe++ {
		tribe := tribe
		tasks = append(tasks, task{name: RoutingKey(name, tribe), run: func(ctx context.Context) error {
			_, err := h.Add(ctx, MemberSpec{
				Horde:       name,
				Variant:     variant,
				Tribe:       tribe,
				TotalTribes: total,
				Source:      h.sourceFor(name, tribe),
			})
			return err
		}})
	}
	return joinAll(ctx, tasks)
}

// dispatchTribes runs on a node that is itself one tribe of entry: it
// attaches to every other tribe, reachable on its own bus host unless the
// topology says otherwise.
func (h *Horde) dispatchTribes(ctx context.Context, name, variant string, entry config.Entry) error {
	total := len(entry.Tribes) + 1

	tasks := make([]task, 0, total-1)
	for tribe := 0; tribe < total; tribe++ {
		if tribe == h.cfg.Tribe {
			continue
		}
		params := h.cfg.Bus.Merge(entry.Params).Merge(tribeOverride(entry, tribe))
		tasks = append(tasks, h.attachTask(name, variant, tribe, total, params))
	}
	return joinAll(ctx, tasks)
}

// attachTribes attaches to the primary and every declared tribe of entry.
func (h *Horde) attachTribes(ctx context.Context, name, variant string, entry config.Entry) error {
	total := len(entry.Tribes) + 1

	tasks := make([]task, 0, total)
	for tribe := 0; tribe < total; tribe++ {
		params := entry.Params.Merge(tribeOverride(entry, tribe))
		tasks = append(tasks, h.attachTask(name, variant, tribe, total, params))
	}
	return joinAll(ctx, tasks)
}

func (h *Horde) attachTask(name, variant string, tribe, total int, params bus.Params) task {
	return task{name: RoutingKey(name, tribe), run: func(ctx context.Context) error {
		_, err := h.Add(ctx, MemberSpec{
			Horde:       name,
			Variant:     variant,
			Tribe:       tribe,
			TotalTribes: total,
			Source:      Attached{Params: params},
		})
		return err
	}}
}

func (h *Horde) sourceFor(name string, tribe int) MemberSource {
	entry, ok := h.cfg.Topology.Lookup(name, tribe)
	if !ok {
		return Spawned{}
	}
	return Attached{Params: entry.Params.Merge(tribeOverride(entry, tribe))}
}

func tribeOverride(entry config.Entry, tribe int) bus.Params {
	if tribe <= 0 || tribe > len(entry.Tribes) {
		return bus.Params{}
	}
	return entry.Tribes[tribe-1]
}

// splitAppID splits "name@variant".
func splitAppID(appID string) (string, string) {
	name, variant, _ := strings.Cut(strings.TrimSpace(appID), "@")
	return name, variant
}
