package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/fedprobe/internal/core"
	"github.com/3cpo-dev/fedprobe/internal/credentials"
	"github.com/3cpo-dev/fedprobe/internal/im"
	"github.com/3cpo-dev/fedprobe/internal/telemetry"
)

// Probe one or more sites
func newTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Start a test VM at each site, run a command on it and delete it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			vo, _ := cmd.Flags().GetString("vo")
			siteList, _ := cmd.Flags().GetStringSlice("site")
			token, _ := cmd.Flags().GetString("access-token")
			command, _ := cmd.Flags().GetString("ssh-command")
			script, _ := cmd.Flags().GetString("script")
			parallel, _ := cmd.Flags().GetInt("parallel")
			output, _ := cmd.Flags().GetString("output")
			if err := checkOutput(output, outputText, outputJSON, outputYAML); err != nil {
				return err
			}
			if vo == "" {
				vo = cfg.Probe.VO
			}
			if token == "" {
				token = cfg.Credentials.Token
			}
			if token == "" {
				return errors.New("access token required: use --access-token, FEDPROBE_ACCESS_TOKEN or OIDC_ACCESS_TOKEN")
			}
			if command == "" {
				command = cfg.Probe.Command
			}
			if parallel <= 0 {
				parallel = cfg.Probe.Parallel
			}
			if script != "" {
				if _, err := os.Stat(script); err != nil {
					return fmt.Errorf("script: %w", err)
				}
			}

			targets := core.NormalizeSites(siteList)
			if len(targets) == 0 {
				found, err := newSitesClient(cfg).ListSites(cmd.Context(), vo)
				if err != nil {
					return err
				}
				targets = found
			}
			if len(targets) == 0 {
				return fmt.Errorf("no site supports VO %s", vo)
			}

			metrics := telemetry.InitGlobal()
			store, _ := openStore(cfg, true)
			if store != nil {
				defer store.Close()
			}
			o := newOrchestrator(cfg, metrics, store)

			stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
			text := output == outputText
			hooks := core.SiteHooks{}
			if text {
				hooks.Start = func(site string) { fmt.Fprintln(stdout, banner(vo, site)) }
				hooks.Done = func(r core.SiteResult) { printResult(stdout, stderr, r) }
			}
			req := core.TestRequest{VO: vo, Token: token, Command: command, Script: script}
			results, destroyErr := core.RunSites(cmd.Context(), o, req, targets, parallel, hooks)
			writeTextfile(cfg, metrics)

			if text {
				printSummary(stdout, results)
			} else if err := encode(stdout, output, reports(results)); err != nil {
				return err
			}
			if destroyErr != nil {
				log.Error().Err(destroyErr).Msg("infrastructures left behind, run fedprobe cleanup")
			}
			return verdict(results)
		},
	}
	cmd.Flags().String("vo", "", "VO to test (default from config, "+core.DefaultVO+")")
	cmd.Flags().StringSlice("site", nil, "site to test, repeatable (default: every site supporting the VO)")
	cmd.Flags().String("access-token", "", "OIDC access token (or FEDPROBE_ACCESS_TOKEN / OIDC_ACCESS_TOKEN)")
	cmd.Flags().String("ssh-command", "", "command to run on the VM (default \""+core.DefaultCommand+"\")")
	cmd.Flags().String("script", "", "local script uploaded to the VM and run instead of --ssh-command")
	cmd.Flags().Int("parallel", 0, "sites probed at the same time (default from config, 1)")
	cmd.Flags().StringP("output", "o", outputText, "output format: text, json or yaml")
	return cmd
}

// verdict turns the per-site results into the command's exit status.
func verdict(results []core.SiteResult) error {
	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%s of %d did not pass", plural(failed, "site"), len(results))
}

// List the sites supporting a VO
func newSitesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "List the sites supporting a VO",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			vo, _ := cmd.Flags().GetString("vo")
			if vo == "" {
				vo = cfg.Probe.VO
			}
			found, err := newSitesClient(cfg).ListSites(cmd.Context(), vo)
			if err != nil {
				return err
			}
			for _, s := range found {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
	cmd.Flags().String("vo", "", "VO name (default from config)")
	return cmd
}

// Print the template that would be submitted
func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the infrastructure template for a site and VO without submitting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			site, _ := cmd.Flags().GetString("site")
			vo, _ := cmd.Flags().GetString("vo")
			image, _ := cmd.Flags().GetString("image")
			if vo == "" {
				vo = cfg.Probe.VO
			}
			if image == "" {
				image = cfg.Probe.Image
			}
			req := core.TestRequest{Site: site, VO: vo, Token: "-"}
			if err := req.Validate(); err != nil {
				return err
			}
			tpl, err := im.TemplateParams{Site: site, VO: vo, Image: image}.Render()
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), tpl)
			return err
		},
	}
	cmd.Flags().String("site", "", "site name")
	cmd.Flags().String("vo", "", "VO name (default from config)")
	cmd.Flags().String("image", "", "image name (default "+im.DefaultImage+")")
	_ = cmd.MarkFlagRequired("site")
	return cmd
}

// Show past probes
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent probe results from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			site, _ := cmd.Flags().GetString("site")
			limit, _ := cmd.Flags().GetInt("limit")
			output, _ := cmd.Flags().GetString("output")
			if err := checkOutput(output, outputText, outputJSON, outputYAML); err != nil {
				return err
			}
			store, err := openStore(cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()
			rows, err := store.Recent(cmd.Context(), site, limit)
			if err != nil {
				return err
			}
			if output != outputText {
				return encode(cmd.OutOrStdout(), output, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("no probes recorded"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), historyTable(rows))
			return nil
		},
	}
	cmd.Flags().String("site", "", "only show this site")
	cmd.Flags().Int("limit", 20, "number of entries")
	cmd.Flags().StringP("output", "o", outputText, "output format: text, json or yaml")
	return cmd
}

// Retry the destruction of leaked infrastructures
func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Retry deleting infrastructures whose teardown failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			token, _ := cmd.Flags().GetString("access-token")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if token == "" {
				token = cfg.Credentials.Token
			}
			store, err := openStore(cfg, false)
			if err != nil {
				return err
			}
			defer store.Close()
			leaks, err := store.Leaks(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(leaks) == 0 {
				fmt.Fprintln(out, okStyle.Render("nothing to clean up"))
				return nil
			}
			fmt.Fprintln(out, leaksTable(leaks))
			if dryRun {
				return nil
			}
			if token == "" {
				return errors.New("access token required: use --access-token, FEDPROBE_ACCESS_TOKEN or OIDC_ACCESS_TOKEN")
			}

			metrics := telemetry.InitGlobal()
			client := newIMClient(cfg, metrics)
			builder := credentials.Builder{Dir: cfg.Credentials.Dir}
			remaining := 0
			for _, l := range leaks {
				if err := cleanupOne(cmd, client, builder, store, token, l.InfraID, l.Site, l.VO); err != nil {
					remaining++
					fmt.Fprintln(cmd.ErrOrStderr(), errorLine(fmt.Sprintf("%s at %s: %v", l.InfraID, l.Site, err)))
					continue
				}
				fmt.Fprintln(out, okStyle.Render("[-] destroyed "+l.InfraID))
			}
			writeTextfile(cfg, metrics)
			if remaining > 0 {
				return fmt.Errorf("%s still running", plural(remaining, "infrastructure"))
			}
			return nil
		},
	}
	cmd.Flags().String("access-token", "", "OIDC access token (or FEDPROBE_ACCESS_TOKEN / OIDC_ACCESS_TOKEN)")
	cmd.Flags().Bool("dry-run", false, "only list leaked infrastructures")
	return cmd
}

func cleanupOne(cmd *cobra.Command, client im.Infrastructure, builder credentials.Builder, store *core.Store, token, infraID, site, vo string) error {
	desc, err := builder.Build(token, site, vo)
	if err != nil {
		return err
	}
	defer desc.Release()
	if err := client.Destroy(cmd.Context(), desc, infraID); err != nil {
		var apiErr *im.APIError
		// Already gone on the IM side.
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
			return err
		}
	}
	return store.ResolveLeak(cmd.Context(), infraID)
}

// Generate shell completion scripts
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(out, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			default:
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}
