package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/client"
	"github.com/danmuck/poolrep/internal/config"
	"github.com/danmuck/poolrep/internal/daemon"
	"github.com/danmuck/poolrep/internal/logging"
	"github.com/danmuck/poolrep/internal/rpool"
	"github.com/spf13/cobra"
)

var (
	configPath string
	addrFlag   string
	lanesFlag  int
	attrsFlag  string
	sigFlag    string
	majorFlag  uint32
	minorFlag  uint32
	offsetFlag string
	lengthFlag string
)

var rootCmd = &cobra.Command{
	Use:           "poolrepctl",
	Short:         "replicate persistent-memory pools to a poolrepd node",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.ConfigureRuntime()
		logging.ForApp("poolrepctl")
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "write a starter poolrepctl.toml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "poolrepctl.toml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.WriteTemplate(path, "client", false); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create NAME SIZE",
	Short: "create a pool on the remote node and print its attributes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := config.ParseSize(args[1])
		if err != nil {
			return err
		}
		return withTarget(cmd, func(ctx context.Context, _ profile, target *client.Target) error {
			info, err := createPool(ctx, target, args[0], size, attr.New(sigFlag, majorFlag, minorFlag))
			if err != nil {
				return err
			}
			printPool(cmd, info, size)
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open NAME SIZE",
	Short: "open a pool, verifying its attributes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := config.ParseSize(args[1])
		if err != nil {
			return err
		}
		return withTarget(cmd, func(ctx context.Context, prof profile, target *client.Target) error {
			a, err := resolveAttrs(ctx, prof, args[0])
			if err != nil {
				return err
			}
			info, err := verifyPool(ctx, target, args[0], size, a)
			if err != nil {
				return err
			}
			printPool(cmd, info, size)
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put NAME FILE",
	Short: "persist a local file's bytes into a pool at --offset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, err := config.ParseSize(offsetFlag)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		return withTarget(cmd, func(ctx context.Context, prof profile, target *client.Target) error {
			a, err := resolveAttrs(ctx, prof, args[0])
			if err != nil {
				return err
			}
			size := off + uint64(len(data))
			local := make([]byte, size)
			copy(local[off:], data)
			s, err := rpool.Open(ctx, target, args[0], local, size, prof.Lanes, a, rpool.Options{Lane: prof.Lane})
			if err != nil {
				return err
			}
			start := time.Now()
			perr := persistSpread(ctx, s, off, uint64(len(data)))
			if cerr := s.Close(ctx); perr == nil {
				perr = cerr
			}
			if perr != nil {
				return perr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "persisted %s at %d on %d lanes in %s\n",
				config.FormatSize(uint64(len(data))), off, s.Lanes(), time.Since(start).Round(time.Millisecond))
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get NAME FILE",
	Short: "read --length bytes from a pool at --offset into a local file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		off, err := config.ParseSize(offsetFlag)
		if err != nil {
			return err
		}
		length, err := config.ParseSize(lengthFlag)
		if err != nil {
			return err
		}
		if length == 0 {
			return fmt.Errorf("--length is required")
		}
		return withTarget(cmd, func(ctx context.Context, prof profile, target *client.Target) error {
			a, err := resolveAttrs(ctx, prof, args[0])
			if err != nil {
				return err
			}
			size := off + length
			s, err := rpool.Open(ctx, target, args[0], make([]byte, size), size, prof.Lanes, a, rpool.Options{Lane: prof.Lane})
			if err != nil {
				return err
			}
			buf := make([]byte, length)
			rerr := s.Read(ctx, buf, off)
			if cerr := s.Close(ctx); rerr == nil {
				rerr = cerr
			}
			if rerr != nil {
				return rerr
			}
			if err := os.WriteFile(args[1], buf, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "read %s from %d into %s\n", config.FormatSize(length), off, args[1])
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "remove a pool with no open sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTarget(cmd, func(ctx context.Context, _ profile, target *client.Target) error {
			if err := rpool.Remove(ctx, target, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list pools through the daemon admin endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		prof, err := loadProfile(configPath)
		if err != nil {
			return err
		}
		var out struct {
			Pools []daemon.PoolView `json:"pools"`
		}
		if err := adminGet(cmd.Context(), prof, "/pools", &out); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCAPACITY\tSESSIONS\tSIGNATURE\tVERSION")
		for _, p := range out.Pools {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d.%d\n", p.Name, config.FormatSize(p.Capacity), p.Sessions, p.Signature, p.Major, p.Minor)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "poolrepctl.toml", "client profile")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "daemon address override")
	rootCmd.PersistentFlags().IntVar(&lanesFlag, "lanes", 0, "requested lanes override")

	createCmd.Flags().StringVar(&sigFlag, "signature", "OBJPOOL", "pool layout signature")
	createCmd.Flags().Uint32Var(&majorFlag, "major", 1, "layout major version")
	createCmd.Flags().Uint32Var(&minorFlag, "minor", 0, "layout minor version")

	for _, c := range []*cobra.Command{openCmd, putCmd, getCmd} {
		c.Flags().StringVar(&attrsFlag, "attrs", "", "expected attributes (hex); fetched from the admin endpoint when empty")
	}
	for _, c := range []*cobra.Command{putCmd, getCmd} {
		c.Flags().StringVar(&offsetFlag, "offset", "0", "pool offset")
	}
	getCmd.Flags().StringVar(&lengthFlag, "length", "", "bytes to read")

	rootCmd.AddCommand(initCmd, createCmd, openCmd, putCmd, getCmd, removeCmd, listCmd)
}

func withTarget(cmd *cobra.Command, fn func(context.Context, profile, *client.Target) error) error {
	prof, err := loadProfile(configPath)
	if err != nil {
		return err
	}
	if addrFlag != "" {
		prof.Address = addrFlag
	}
	if lanesFlag > 0 {
		prof.Lanes = lanesFlag
	}
	target, err := client.New(client.Config{Address: prof.Address, Transport: prof.Transport})
	if err != nil {
		return err
	}
	defer target.Close()
	return fn(cmd.Context(), prof, target)
}

// resolveAttrs prefers --attrs and otherwise asks the admin endpoint for the
// pool's stored attributes.
func resolveAttrs(ctx context.Context, prof profile, name string) (attr.Attributes, error) {
	if attrsFlag != "" {
		return attr.DecodeHex(attrsFlag)
	}
	var view daemon.PoolView
	if err := adminGet(ctx, prof, "/pools/"+name, &view); err != nil {
		return attr.Attributes{}, fmt.Errorf("fetch attributes for %s: %w", name, err)
	}
	return attr.DecodeHex(view.Attributes)
}

func adminGet(ctx context.Context, prof profile, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, prof.Admin+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("admin %s: %s: %s", path, resp.Status, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// persistSpread splits [off, off+length) evenly across the session's lanes.
func persistSpread(ctx context.Context, s *rpool.Session, off, length uint64) error {
	n := uint64(s.Lanes())
	if n == 0 || length == 0 {
		return nil
	}
	per := (length + n - 1) / n
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := uint64(0); i < n && i*per < length; i++ {
		span := min(per, length-i*per)
		wg.Add(1)
		go func(i int, start, span uint64) {
			defer wg.Done()
			errs[i] = s.PersistIndex(ctx, i, start, span)
		}(int(i), off+i*per, span)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// createPool registers a pool and releases it again. No lanes are opened
// and no local copy of the pool is held.
func createPool(ctx context.Context, target rpool.Target, name string, size uint64, a attr.Attributes) (rpool.PoolInfo, error) {
	if err := attr.Verify(a); err != nil {
		return rpool.PoolInfo{}, err
	}
	info, err := target.CreatePool(ctx, name, size, a)
	if err != nil {
		return rpool.PoolInfo{}, err
	}
	return info, target.ClosePool(ctx, info)
}

// verifyPool opens name against expected attributes and closes it.
func verifyPool(ctx context.Context, target rpool.Target, name string, size uint64, expected attr.Attributes) (rpool.PoolInfo, error) {
	info, err := target.OpenPool(ctx, name, size, expected)
	if err != nil {
		return rpool.PoolInfo{}, err
	}
	return info, target.ClosePool(ctx, info)
}

func printPool(cmd *cobra.Command, info rpool.PoolInfo, size uint64) {
	a := info.Attributes
	fmt.Fprintf(cmd.OutOrStdout(), "pool=%s size=%s capacity=%s\n",
		info.Name, config.FormatSize(size), config.FormatSize(info.Capacity))
	fmt.Fprintf(cmd.OutOrStdout(), "attributes=%s\n  %s\n", a.EncodeHex(), a)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "poolrepctl: %v\n", err)
		os.Exit(1)
	}
}
