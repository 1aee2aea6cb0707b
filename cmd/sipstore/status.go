package main

import (
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"github.com/antonholmquist/jason"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ndlib/sipstore/bagit"
	"github.com/ndlib/sipstore/catalog"
	"github.com/ndlib/sipstore/sip"
)

var statusCmd = &cobra.Command{
	Use:   "status <pid>",
	Short: "Ask a running server about a package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("server")
		token, _ := cmd.Flags().GetString("token")
		info, err := fetchPackage(addr, token, args[0])
		if err != nil {
			return err
		}
		return printPackage(cmd.OutOrStdout(), info)
	},
}

// fetchPackage gets the package pid from the server at addr.
func fetchPackage(addr, token, pid string) (*jason.Object, error) {
	req, err := http.NewRequest("GET", strings.TrimSuffix(addr, "/")+"/package/"+url.PathEscape(pid), nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("X-Api-Key", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case 200:
	case 404:
		return nil, errors.Errorf("package %s not found", pid)
	default:
		msg, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("received status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return jason.NewObjectFromReader(resp.Body)
}

// printPackage writes a summary of the package and its snapshots.
func printPackage(w io.Writer, info *jason.Object) error {
	id, err := info.GetString("ID")
	if err != nil {
		return errors.Wrap(err, "package response")
	}
	latest, _ := info.GetString("LatestArchived")
	version, _ := info.GetInt64("Version")
	fmt.Fprintf(w, "Package:  %s\n", id)
	fmt.Fprintf(w, "Latest:   %s\n", latest)
	fmt.Fprintf(w, "Version:  %d\n", version)
	snapshots, _ := info.GetObjectArray("Snapshots")
	for _, s := range snapshots {
		sid, _ := s.GetString("ID")
		created, _ := s.GetString("Created")
		state, _ := s.GetString("State")
		attempts, _ := s.GetInt64("Attempts")
		line := fmt.Sprintf("  %s  %s  %-9s  attempts %d", sid, created, state, attempts)
		if msg, err := s.GetString("LastError"); err == nil && msg != "" {
			line += "  " + msg
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// snapshotDiff returns the unified diff between the manifests of two
// snapshots of package pid. An empty to means the latest archived
// snapshot, and, unless fromGiven, an empty from means the snapshot
// before to.
func snapshotDiff(c catalog.Catalog, pid, from, to string, fromGiven bool) (string, error) {
	pkg, err := c.Package(pid)
	if err != nil {
		return "", errors.Wrapf(err, "package %s", pid)
	}
	if to == "" {
		to = pkg.LatestArchived
	}
	if to == "" {
		return "", errors.Errorf("package %s has no archived snapshots", pid)
	}
	toSnap, err := c.Snapshot(to)
	if err != nil {
		return "", errors.Wrapf(err, "snapshot %s", to)
	}
	if from == "" && !fromGiven {
		from = toSnap.Previous
	}
	var fromSnap *sip.Snapshot
	if from != "" {
		fromSnap, err = c.Snapshot(from)
		if err != nil {
			return "", errors.Wrapf(err, "snapshot %s", from)
		}
		if fromSnap.PackageID != pid {
			return "", errors.Errorf("snapshot %s belongs to package %s", from, fromSnap.PackageID)
		}
	}
	if toSnap.PackageID != pid {
		return "", errors.Errorf("snapshot %s belongs to package %s", to, toSnap.PackageID)
	}
	return bagit.ManifestDiff(from, bagit.FullManifest(fromSnap), to, bagit.FullManifest(toSnap))
}
