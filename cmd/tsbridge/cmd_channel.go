package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tsbridge/internal/channels"
	tsplugin "tsbridge/internal/plugins/thingspeak"
	"tsbridge/internal/thingspeak"
)

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Manage upload channels",
	Long:  `Commands for managing ThingSpeak channels. Stop 'tsbridge serve' first, the database is locked while it runs.`,
}

var channelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List channels with their last upload state",
	Args:  cobra.NoArgs,
	RunE:  runChannelList,
}

var channelAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a channel",
	Example: `  tsbridge channel add --name Pool --key ABCDEFGHIJKLMNOP \
    --field 1=device:pool.temperature --field 2=variable:mode --interval 5m`,
	Args: cobra.NoArgs,
	RunE: runChannelAdd,
}

var channelRemoveCmd = &cobra.Command{
	Use:   "remove <id|name>",
	Short: "Remove a channel and its upload state",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelRemove,
}

var channelEnableCmd = &cobra.Command{
	Use:   "enable <id|name>",
	Short: "Enable uploads for a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setChannelEnabled(args[0], true) },
}

var channelDisableCmd = &cobra.Command{
	Use:   "disable <id|name>",
	Short: "Disable uploads for a channel",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setChannelEnabled(args[0], false) },
}

var channelImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create channels from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runChannelImport,
}

var addFlags struct {
	name     string
	key      string
	interval time.Duration
	host     string
	fields   []string
	disabled bool
}

func init() {
	f := channelAddCmd.Flags()
	f.StringVar(&addFlags.name, "name", "", "channel name (required)")
	f.StringVar(&addFlags.key, "key", "", "ThingSpeak write API key")
	f.DurationVar(&addFlags.interval, "interval", 0, "upload interval, 0 uses the global setting")
	f.StringVar(&addFlags.host, "host", "", "alternate host:port of a compatible service")
	f.StringArrayVar(&addFlags.fields, "field", nil, "field binding N=device:ID.STATE or N=variable:ID (repeatable)")
	f.BoolVar(&addFlags.disabled, "disabled", false, "create the channel disabled")
	channelAddCmd.MarkFlagRequired("name")

	channelCmd.AddCommand(channelListCmd, channelAddCmd, channelRemoveCmd, channelEnableCmd, channelDisableCmd, channelImportCmd)
	rootCmd.AddCommand(channelCmd)
}

// withChannelStore opens the host and runs fn with the plugin's channel store
func withChannelStore(fn func(store *channels.StorageStore) error) error {
	h, err := openHost()
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(channels.NewStorageStore(h.store, tsplugin.PluginName, h.logger))
}

// findChannel resolves an id or a unique name
func findChannel(store *channels.StorageStore, ref string) (*channels.Channel, error) {
	if ch, err := store.GetChannel(ref); err == nil {
		return ch, nil
	} else if !errors.Is(err, channels.ErrChannelNotFound) {
		return nil, err
	}

	all, err := store.ListChannels()
	if err != nil {
		return nil, err
	}
	var found *channels.Channel
	for _, ch := range all {
		if !strings.EqualFold(ch.Name, ref) {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("more than one channel is named %q, use the id", ref)
		}
		found = ch
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", channels.ErrChannelNotFound, ref)
	}
	return found, nil
}

func runChannelList(cmd *cobra.Command, args []string) error {
	return withChannelStore(func(store *channels.StorageStore) error {
		all, err := store.ListChannels()
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No channels configured")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENABLED\tFIELDS\tINTERVAL\tSTATUS\tENTRY\tLAST SUCCESS")
		for _, ch := range all {
			st, err := store.GetState(ch.ID)
			if err != nil {
				st = channels.NewChannelState()
			}
			interval := "global"
			if ch.Interval > 0 {
				interval = ch.Interval.String()
			}
			last := "-"
			if !st.LastSuccess.IsZero() {
				last = st.LastSuccess.Format(time.DateTime)
			}
			status := st.HealthDisplay
			if status == "" {
				status = string(st.Health)
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%s\t%s\t%d\t%s\n",
				ch.ID, ch.Name, ch.Enabled, ch.BoundFields(), interval, status, st.EntryID, last)
		}
		return w.Flush()
	})
}

func runChannelAdd(cmd *cobra.Command, args []string) error {
	ch := &channels.Channel{
		Name:     addFlags.name,
		Enabled:  !addFlags.disabled,
		WriteKey: addFlags.key,
		Interval: addFlags.interval,
		Host:     addFlags.host,
	}
	for i := range ch.Fields {
		ch.Fields[i].Kind = channels.BindingNone
	}
	for _, arg := range addFlags.fields {
		n, b, err := parseFieldFlag(arg)
		if err != nil {
			return err
		}
		ch.Fields[n-1] = b
	}

	return withChannelStore(func(store *channels.StorageStore) error {
		if err := store.CreateChannel(ch); err != nil {
			return err
		}
		fmt.Printf("Channel %s created (%s)\n", ch.Name, ch.ID)
		if ch.WriteKey == "" {
			fmt.Println("Note: the channel has no write key and will be skipped until one is set")
		}
		return nil
	})
}

// parseFieldFlag parses N=device:ID.STATE or N=variable:ID.
// The state is everything after the first dot so state names may contain dots.
func parseFieldFlag(arg string) (int, channels.FieldBinding, error) {
	var b channels.FieldBinding

	num, target, ok := strings.Cut(arg, "=")
	if !ok {
		return 0, b, fmt.Errorf("invalid field %q: want N=device:ID.STATE or N=variable:ID", arg)
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || n < 1 || n > thingspeak.MaxFields {
		return 0, b, fmt.Errorf("invalid field number %q: must be 1-%d", num, thingspeak.MaxFields)
	}

	kind, ref, ok := strings.Cut(strings.TrimSpace(target), ":")
	if !ok || ref == "" {
		return 0, b, fmt.Errorf("invalid field %q: missing source", arg)
	}

	switch kind {
	case "device":
		device, state, ok := strings.Cut(ref, ".")
		if !ok || device == "" || state == "" {
			return 0, b, fmt.Errorf("invalid device binding %q: want ID.STATE", ref)
		}
		b = channels.FieldBinding{Kind: channels.BindingDeviceState, DeviceID: device, State: state}
	case "variable":
		b = channels.FieldBinding{Kind: channels.BindingVariable, VariableID: ref}
	default:
		return 0, b, fmt.Errorf("invalid field kind %q: want device or variable", kind)
	}
	return n, b, nil
}

func runChannelRemove(cmd *cobra.Command, args []string) error {
	return withChannelStore(func(store *channels.StorageStore) error {
		ch, err := findChannel(store, args[0])
		if err != nil {
			return err
		}
		if err := store.DeleteChannel(ch.ID); err != nil {
			return err
		}
		fmt.Printf("Channel %s removed\n", ch.Name)
		return nil
	})
}

func setChannelEnabled(ref string, enabled bool) error {
	return withChannelStore(func(store *channels.StorageStore) error {
		ch, err := findChannel(store, ref)
		if err != nil {
			return err
		}
		ch.Enabled = enabled
		if err := store.SaveChannel(ch); err != nil {
			return err
		}
		fmt.Printf("Channel %s %s\n", ch.Name, map[bool]string{true: "enabled", false: "disabled"}[enabled])
		return nil
	})
}

// channelFile is the import format. Fields are keyed by field number.
type channelFile struct {
	Channels []channelEntry `yaml:"channels"`
}

type channelEntry struct {
	Name     string                        `yaml:"name"`
	Enabled  *bool                         `yaml:"enabled"`
	WriteKey string                        `yaml:"writeKey"`
	Interval time.Duration                 `yaml:"interval"`
	Host     string                        `yaml:"host"`
	Geo      *channels.Geo                 `yaml:"geo"`
	Fields   map[int]channels.FieldBinding `yaml:"fields"`
}

func (s *channelEntry) channel() (*channels.Channel, error) {
	ch := &channels.Channel{
		Name:     s.Name,
		Enabled:  s.Enabled == nil || *s.Enabled,
		WriteKey: s.WriteKey,
		Interval: s.Interval,
		Host:     s.Host,
		Geo:      s.Geo,
	}
	for i := range ch.Fields {
		ch.Fields[i].Kind = channels.BindingNone
	}
	for n, b := range s.Fields {
		if n < 1 || n > thingspeak.MaxFields {
			return nil, fmt.Errorf("channel %q: field number %d must be 1-%d", s.Name, n, thingspeak.MaxFields)
		}
		ch.Fields[n-1] = b
	}
	return ch, nil
}

// loadChannelFile parses an import file into channels
func loadChannelFile(path string) ([]*channels.Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file channelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	result := make([]*channels.Channel, 0, len(file.Channels))
	for i := range file.Channels {
		ch, err := file.Channels[i].channel()
		if err != nil {
			return nil, err
		}
		if err := ch.Validate(); err != nil {
			return nil, fmt.Errorf("channel %d: %w", i+1, err)
		}
		result = append(result, ch)
	}
	return result, nil
}

func runChannelImport(cmd *cobra.Command, args []string) error {
	list, err := loadChannelFile(args[0])
	if err != nil {
		return err
	}

	return withChannelStore(func(store *channels.StorageStore) error {
		for _, ch := range list {
			if err := store.CreateChannel(ch); err != nil {
				return err
			}
			fmt.Printf("Channel %s created (%s)\n", ch.Name, ch.ID)
		}
		fmt.Printf("%d channels imported\n", len(list))
		return nil
	})
}
