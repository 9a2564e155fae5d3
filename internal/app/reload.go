package app

import (
	"context"
	"reflect"
	"strings"

	"batchcast/internal/config"
	logx "batchcast/pkg/logx"
)

// reloadLoop applies hot-reloaded configs. Only logging and group seeding
// take effect live; other sections are read once at startup.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		if next == nil {
			continue
		}

		sections := changedSections(last, next)
		last = next
		if len(sections) == 0 {
			a.log.Debug("config reload received, but no effective changes detected")
			continue
		}
		a.applyConfig(ctx, next, sections)
		a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
	}
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(cfg))
		case "groups":
			if err := seedGroups(ctx, a.store, cfg.Groups, a.log); err != nil {
				a.log.Warn("group seeding failed", logx.Err(err))
			}
		default:
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
}

// changedSections lists top-level config sections that differ.
func changedSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return []string{"logging", "groups"}
	}
	var out []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	add("telegram", prev.Telegram, next.Telegram)
	add("logging", prev.Logging, next.Logging)
	add("storage", prev.Storage, next.Storage)
	add("scheduler", prev.Scheduler, next.Scheduler)
	add("broadcast", prev.Broadcast, next.Broadcast)
	add("status", prev.Status, next.Status)
	add("groups", prev.Groups, next.Groups)
	return out
}
