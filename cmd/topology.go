package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/config"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/topology"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Print the resolved agent topology",
	Long: `Resolve the topology manifest (or the embedded default) and print
the supervisor layout, sub-agent fleet, and task-type catalog. Useful
for validating a manifest before starting the daemon.`,
	RunE: runTopology,
}

func init() {
	rootCmd.AddCommand(topologyCmd)
}

func runTopology(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	rootID := types.AgentID("root")
	var topo *topology.Topology
	if cfg.Topology.ManifestPath != "" {
		topo, err = topology.Load(cfg.Topology.ManifestPath, rootID)
		if err != nil {
			return fmt.Errorf("resolving manifest %s: %w", cfg.Topology.ManifestPath, err)
		}
		fmt.Printf("Topology: %s\n\n", cfg.Topology.ManifestPath)
	} else {
		topo, err = topology.Default(rootID)
		if err != nil {
			return fmt.Errorf("resolving embedded topology: %w", err)
		}
		fmt.Print("Topology: embedded default\n\n")
	}

	// Group sub-agents under their supervisor.
	children := make(map[types.AgentID][]types.AgentSpec)
	for _, agent := range topo.Agents() {
		children[agent.ParentID] = append(children[agent.ParentID], agent)
	}

	fmt.Printf("%s (orchestrator)\n", rootID)
	for _, sup := range topo.Supervisors() {
		domain, _ := topo.Domain(sup.ID)
		fmt.Printf("├── %s (supervisor, domain=%s)\n", sup.ID, domain)
		fleet := children[sup.ID]
		for i, agent := range fleet {
			branch := "│   ├──"
			if i == len(fleet)-1 {
				branch = "│   └──"
			}
			fmt.Printf("%s %s  caps=[%s] concurrency=%d provider=%s\n",
				branch, agent.ID, joinCapabilities(agent.Capabilities),
				agent.Concurrency, agent.ProviderID)
		}
	}

	taskTypes := topo.TaskTypes()
	sort.Slice(taskTypes, func(i, j int) bool { return taskTypes[i] < taskTypes[j] })
	fmt.Printf("\nTask types (%d):\n", len(taskTypes))
	for _, tt := range taskTypes {
		spec, _ := topo.Spec(tt)
		line := fmt.Sprintf("  %-24s requires=[%s]", tt, joinCapabilities(spec.Requires))
		if spec.Join.Mode != "" {
			line += fmt.Sprintf(" join=%s", spec.Join.Mode)
		}
		if spec.DefaultDeadline > 0 {
			line += fmt.Sprintf(" deadline=%s", spec.DefaultDeadline)
		}
		if spec.Parallelizable {
			line += " parallelizable"
		}
		fmt.Println(line)
	}
	return nil
}

func joinCapabilities(caps []types.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}
