package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/deploykit/internal/config"
	"github.com/3cpo-dev/deploykit/internal/deploy"
	"github.com/3cpo-dev/deploykit/internal/journal"
	prov "github.com/3cpo-dev/deploykit/internal/providers"
	"github.com/3cpo-dev/deploykit/internal/providers/static"
	"github.com/3cpo-dev/deploykit/internal/providers/vultr"
	"github.com/3cpo-dev/deploykit/internal/session"
	"github.com/3cpo-dev/deploykit/pkg/api"
)

// Resolve the registry
func resolveRegistry(cmd *cobra.Command) (*prov.Registry, config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, config.Config{}, err
	}
	reg := prov.NewRegistry()
	reg.Register(static.New(cfg))
	reg.Register(vultr.New(cfg))
	return reg, cfg, nil
}

func pickProvider(cmd *cobra.Command, reg *prov.Registry, cfg config.Config) (prov.Provider, error) {
	name, _ := cmd.Flags().GetString("provider")
	if name == "" {
		name = cfg.Providers.Default
	}
	return reg.Get(name)
}

// loadPlan decodes a YAML plan file into a task chain.
func loadPlan(path string) (*deploy.MultiStepDeployment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan api.PlanSpec
	if err := yaml.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	chain := &deploy.MultiStepDeployment{}
	for i, step := range plan.Steps {
		task, err := buildTask(step)
		if err != nil {
			return nil, fmt.Errorf("plan step %d: %w", i+1, err)
		}
		chain.Add(task)
	}
	return chain, nil
}

func buildTask(step api.StepSpec) (deploy.Task, error) {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	switch step.Kind {
	case api.StepScript:
		if step.Script == "" {
			return nil, fmt.Errorf("script step needs script text")
		}
		return &deploy.ScriptDeployment{
			Script:      step.Script,
			Args:        step.Args,
			Name:        step.Target,
			DeleteAfter: step.DeleteAfter,
			Timeout:     timeout,
		}, nil
	case api.StepScriptFile:
		task, err := deploy.NewScriptFileDeployment(step.Source, step.Args)
		if err != nil {
			return nil, err
		}
		task.Name = step.Target
		task.DeleteAfter = step.DeleteAfter
		task.Timeout = timeout
		return task, nil
	case api.StepFile:
		if step.Source == "" {
			return nil, fmt.Errorf("file step needs a source path")
		}
		return &deploy.FileDeployment{Source: step.Source, Target: step.Target, Perm: 0644}, nil
	case api.StepSSHKey:
		key := step.Key
		if key == "" && step.Source != "" {
			raw, err := os.ReadFile(step.Source)
			if err != nil {
				return nil, fmt.Errorf("read key: %w", err)
			}
			key = string(raw)
		}
		if key == "" {
			return nil, fmt.Errorf("ssh_key step needs key material")
		}
		return &deploy.SSHKeyDeployment{Key: key}, nil
	default:
		return nil, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// Deploy a node and run its bootstrap plan
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Create a node, wait until it is reachable and run a bootstrap plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			planPath, _ := cmd.Flags().GetString("plan")
			region, _ := cmd.Flags().GetString("region")
			image, _ := cmd.Flags().GetString("image")
			size, _ := cmd.Flags().GetString("size")
			keep, _ := cmd.Flags().GetBool("keep-on-interrupt")

			reg, cfg, err := resolveRegistry(cmd)
			if err != nil {
				return err
			}
			p, err := pickProvider(cmd, reg, cfg)
			if err != nil {
				return err
			}

			var chain *deploy.MultiStepDeployment
			if planPath != "" {
				if chain, err = loadPlan(planPath); err != nil {
					return err
				}
			}

			keyPath := filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
			userData := ""
			if pub, err := session.PublicAuthorizedKey(keyPath); err == nil {
				userData = prov.CloudInitUserData(cfg.Deploy.User, pub)
			}
			hostKeys, err := session.TrustOnFirstUseCallback(cfg.SSH.KnownHosts)
			if err != nil {
				return fmt.Errorf("known_hosts: %w", err)
			}
			req := deploy.Request{
				Create: prov.CreateRequest{
					Name:     name,
					Region:   region,
					Image:    image,
					Size:     size,
					SSHUser:  cfg.Deploy.User,
					SSHPort:  cfg.Deploy.SSHPort,
					UserData: userData,
				},
				SSHUser: cfg.Deploy.User,
				SSHPort: cfg.Deploy.SSHPort,
				KeyPath: keyPath,
				HostKey: hostKeys,
				Wait: deploy.WaitOptions{
					WaitPeriod: time.Duration(cfg.Deploy.WaitPeriodSeconds * float64(time.Second)),
					Timeout:    time.Duration(cfg.Deploy.ReadyTimeoutSeconds) * time.Second,
				},
				ConnectTimeout: time.Duration(cfg.Deploy.ConnectTimeoutSeconds) * time.Second,
				MaxTaskTries:   cfg.Deploy.MaxTaskTries,
			}
			if chain != nil {
				req.Tasks = chain
			}
			if !keep {
				guard := deploy.NewGuard(p)
				defer guard.Close()
				req.Guard = guard
			}

			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()
			entryID, err := j.Begin(cmd.Context(), name, p.Name())
			if err != nil {
				return err
			}

			d := deploy.NewDeployer(p, p)
			node, err := d.Deploy(cmd.Context(), req)
			if err != nil {
				phase := string(deploy.PhaseCreating)
				nodeID := ""
				if de, ok := deploy.IsDeployError(err); ok {
					phase = string(de.Phase)
					if de.Node != nil {
						nodeID = de.Node.ID
					}
				}
				_ = j.Finish(cmd.Context(), entryID, nodeID, phase, err.Error())
				return err
			}
			_ = j.Finish(cmd.Context(), entryID, node.ID, string(deploy.PhaseDone), "")

			addr := ""
			if len(node.PublicAddrs) > 0 {
				addr = node.PublicAddrs[0]
			}
			fmt.Printf("deployed %s (%s) at %s\n", node.Name, node.ID, addr)
			return nil
		},
	}
	cmd.Flags().String("name", "", "node name")
	cmd.Flags().String("plan", "", "bootstrap plan YAML")
	cmd.Flags().String("provider", "", "provider name")
	cmd.Flags().String("region", "", "region/zone id (provider-specific)")
	cmd.Flags().String("image", "", "image/os id (provider-specific)")
	cmd.Flags().String("size", "", "plan/size/type (provider-specific)")
	cmd.Flags().Bool("keep-on-interrupt", false, "do not destroy the node if interrupted mid-deployment")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// Wait for existing nodes to become reachable
func newWaitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Wait until named nodes are running with a usable address",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, _ := cmd.Flags().GetStringSlice("node")
			timeoutSec, _ := cmd.Flags().GetInt("timeout")
			private, _ := cmd.Flags().GetBool("private")
			allowV6, _ := cmd.Flags().GetBool("ipv6")

			reg, cfg, err := resolveRegistry(cmd)
			if err != nil {
				return err
			}
			p, err := pickProvider(cmd, reg, cfg)
			if err != nil {
				return err
			}
			listed, err := p.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			var candidates []prov.Node
			for _, n := range listed {
				for _, want := range names {
					if n.Name == want {
						candidates = append(candidates, n)
					}
				}
			}
			if len(candidates) == 0 {
				return fmt.Errorf("no nodes match: %s", strings.Join(names, ", "))
			}

			opts := deploy.WaitOptions{
				WaitPeriod: time.Duration(cfg.Deploy.WaitPeriodSeconds * float64(time.Second)),
				Timeout:    time.Duration(timeoutSec) * time.Second,
			}
			if private {
				opts.Iface = deploy.PrivateAddrs
			}
			if allowV6 {
				opts.Family = deploy.PreferIPv4
			}
			ready, err := deploy.WaitUntilRunning(cmd.Context(), p, candidates, opts)
			if err != nil {
				return err
			}
			for _, r := range ready {
				fmt.Printf("%s\t%s\n", r.Node.Name, strings.Join(r.Addrs, ","))
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("node", nil, "node names to wait for")
	cmd.Flags().String("provider", "", "provider name")
	cmd.Flags().Int("timeout", 600, "overall timeout in seconds")
	cmd.Flags().Bool("private", false, "wait for a private address instead of public")
	cmd.Flags().Bool("ipv6", false, "accept IPv6 when no IPv4 address appears")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

// List nodes
func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, cfg, err := resolveRegistry(cmd)
			if err != nil {
				return err
			}
			p, err := pickProvider(cmd, reg, cfg)
			if err != nil {
				return err
			}
			nodes, err := p.ListNodes(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range nodes {
				addr := ""
				if len(n.PublicAddrs) > 0 {
					addr = n.PublicAddrs[0]
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", n.Name, n.State, addr, n.ID)
			}
			return nil
		},
	}
	cmd.Flags().String("provider", "", "provider name")
	return cmd
}

// Destroy a node
func newDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy a node by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			reg, cfg, err := resolveRegistry(cmd)
			if err != nil {
				return err
			}
			p, err := pickProvider(cmd, reg, cfg)
			if err != nil {
				return err
			}
			if err := p.DestroyNode(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("destroyed %s\n", id)
			return nil
		},
	}
	cmd.Flags().String("id", "", "node id")
	cmd.Flags().String("provider", "", "provider name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// Show recent deployments from the journal
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()
			entries, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s", e.StartedAt.Format(time.RFC3339), e.NodeName, e.Provider, e.Phase, e.Status)
				if e.Error != "" {
					line += "\t" + e.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of entries")
	return cmd
}

// Generate the controller SSH keypair
func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the deploy SSH keypair if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.SSH.KeyDir, 0700); err != nil {
				return err
			}
			keyPath := filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
			if _, err := os.Stat(keyPath); err == nil {
				fmt.Printf("key already exists: %s\n", keyPath)
				return nil
			}
			pub, err := session.GenerateEd25519Keypair(keyPath)
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s\npublic key: %s", keyPath, pub)
			return nil
		},
	}
}
