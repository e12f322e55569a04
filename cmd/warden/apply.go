package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/pkg/storage"
	"github.com/wardenhq/warden/pkg/types"
)

// manifest is the YAML document warden apply consumes
type manifest struct {
	Servers    []*types.ServerTemplate  `yaml:"servers"`
	Workspaces []*types.WorkspaceConfig `yaml:"workspaces"`
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Upsert server templates and workspaces from a manifest",
	Long: `Read a YAML manifest of server templates and workspaces and write
them into the host store. Templates that omit a permission policy get
the secure default (PATH only, no secrets, full workspace context).

The store is exclusive; run apply while the host is stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		if path == "" {
			return fmt.Errorf("--file is required")
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("parse manifest: %w", err)
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		now := time.Now()
		for _, template := range m.Servers {
			if template.ID == "" {
				return fmt.Errorf("server template without id")
			}
			if template.Permissions == nil {
				template.Permissions = types.DefaultPermissions()
			}
			if existing, err := store.GetServer(template.ID); err == nil {
				template.CreatedAt = existing.CreatedAt
			} else {
				template.CreatedAt = now
			}
			template.UpdatedAt = now
			if err := store.PutServer(template); err != nil {
				return fmt.Errorf("store server %s: %w", template.ID, err)
			}
			fmt.Printf("server/%s configured\n", template.ID)
		}

		for _, ws := range m.Workspaces {
			if ws.ID == "" {
				return fmt.Errorf("workspace without id")
			}
			if ws.CreatedAt.IsZero() {
				ws.CreatedAt = now
			}
			if err := store.PutWorkspace(ws); err != nil {
				return fmt.Errorf("store workspace %s: %w", ws.ID, err)
			}
			fmt.Printf("workspace/%s configured\n", ws.ID)
		}

		return nil
	},
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "Manifest file to apply")
	applyCmd.Flags().String("data-dir", "./warden-data", "Data directory of the host store")
}
