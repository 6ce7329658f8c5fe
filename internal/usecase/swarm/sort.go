package swarm

import (
	"sort"

	"swarmd/internal/domain"
)

func sortDescriptors(agents []domain.AgentDescriptor) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
}

func sortSnapshots(snaps []domain.AgentSnapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
}
