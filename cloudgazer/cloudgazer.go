// Package cloudgazer implements the CloudGazer actor: it polls an
// upstream PyPI-style simple index on a fixed interval, diffs the package
// and version set it finds against what the master already knows, and
// enqueues the difference onto Secretary. It never deletes a row: an
// upstream removal is recorded as a skip, so historical builds stay
// attributable.
package cloudgazer

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"golang.org/x/net/html"

	"wheelforge/actor"
	"wheelforge/config"
	"wheelforge/db"
	"wheelforge/log"
)

// secretary is the subset of Secretary's API CloudGazer drives.
type secretary interface {
	AddNewPackage(ctx context.Context, name string) error
	AddNewPackageVersion(ctx context.Context, pkg, version string, releasedAt time.Time) error
	SkipPackageVersion(ctx context.Context, pkg, version, reason string) error
}

// dbClient is the subset of db.Broker CloudGazer reads from to build its
// local diff baseline.
type dbClient interface {
	ListPackages(ctx context.Context) ([]db.Package, error)
	ListPackageVersions(ctx context.Context, pkg string) ([]db.Version, error)
}

// reasonRemovedUpstream is recorded on a version's skip column when a poll
// no longer finds it in the upstream index.
const reasonRemovedUpstream = "removed upstream"

// CloudGazer periodically polls cfg.CloudGazer.IndexURL and forwards any
// new or removed (package, version) pairs to Secretary.
type CloudGazer struct {
	cfg       *config.Config
	secretary secretary
	broker    dbClient
	logger    log.LibraryLogger
	client    *http.Client
}

// New creates a CloudGazer. Call Run in its own goroutine to start polling.
func New(cfg *config.Config, secretary secretary, broker dbClient, logger log.LibraryLogger) *CloudGazer {
	return &CloudGazer{
		cfg:       cfg,
		secretary: secretary,
		broker:    broker,
		logger:    logger,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Run polls at cfg.CloudGazer.PollInterval until shutdown fires. An
// upstream fetch failure is logged and the next poll retries; it is never
// treated as a reason to change any local state.
func (cg *CloudGazer) Run(shutdown *actor.Shutdown) {
	interval := cg.cfg.CloudGazer.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cg.poll()
	for {
		select {
		case <-ticker.C:
			cg.poll()
		case <-shutdown.Done():
			return
		}
	}
}

// upstreamPackage is one row parsed out of the simple index: a package
// name and every version link found under its project page.
type upstreamPackage struct {
	Name     string
	Versions map[string]time.Time
}

func (cg *CloudGazer) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	names, err := cg.fetchIndexNames(ctx, cg.cfg.CloudGazer.IndexURL)
	if err != nil {
		cg.logger.Warn("cloudgazer: fetch index %s: %v", cg.cfg.CloudGazer.IndexURL, err)
		return
	}

	known, err := cg.broker.ListPackages(ctx)
	if err != nil {
		cg.logger.Warn("cloudgazer: list_packages: %v", err)
		return
	}
	knownSet := make(map[string]bool, len(known))
	for _, p := range known {
		knownSet[p.Name] = true
	}

	for _, name := range names {
		if !knownSet[name] {
			if err := cg.secretary.AddNewPackage(ctx, name); err != nil {
				cg.logger.Warn("cloudgazer: add_new_package(%s): %v", name, err)
				continue
			}
		}
		cg.reconcileVersions(ctx, name)
	}
}

// reconcileVersions fetches pkg's project page, adds any version not yet
// known, and skips (never deletes) any known, unskipped version that has
// disappeared from the upstream listing.
func (cg *CloudGazer) reconcileVersions(ctx context.Context, pkgName string) {
	base, err := url.Parse(cg.cfg.CloudGazer.IndexURL)
	if err != nil {
		return
	}
	projectURL := base.ResolveReference(&url.URL{Path: path.Join(base.Path, pkgName) + "/"})

	upstreamVersions, err := cg.fetchProjectVersions(ctx, projectURL.String())
	if err != nil {
		cg.logger.Warn("cloudgazer: fetch project %s: %v", pkgName, err)
		return
	}

	known, err := cg.broker.ListPackageVersions(ctx, pkgName)
	if err != nil {
		cg.logger.Warn("cloudgazer: list_package_versions(%s): %v", pkgName, err)
		return
	}
	knownSet := make(map[string]db.Version, len(known))
	for _, v := range known {
		knownSet[v.VersionStr] = v
	}

	for _, v := range upstreamVersions {
		if _, ok := knownSet[v]; ok {
			continue
		}
		if err := cg.secretary.AddNewPackageVersion(ctx, pkgName, v, time.Now()); err != nil {
			cg.logger.Warn("cloudgazer: add_new_package_version(%s, %s): %v", pkgName, v, err)
		}
	}

	upstreamSet := make(map[string]bool, len(upstreamVersions))
	for _, v := range upstreamVersions {
		upstreamSet[v] = true
	}
	for _, v := range known {
		if v.Skip != "" || upstreamSet[v.VersionStr] {
			continue
		}
		if err := cg.secretary.SkipPackageVersion(ctx, pkgName, v.VersionStr, reasonRemovedUpstream); err != nil {
			cg.logger.Warn("cloudgazer: skip_package_version(%s, %s): %v", pkgName, v.VersionStr, err)
		}
	}
}

// fetchIndexNames fetches indexURL and extracts package names from every
// <a href> link, the same link-scrape distr1-distri's checkupstream uses
// for a plain directory-listing-style index.
func (cg *CloudGazer) fetchIndexNames(ctx context.Context, indexURL string) ([]string, error) {
	links, base, err := cg.fetchLinks(ctx, indexURL)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(links))
	var names []string
	for _, l := range links {
		name := packageNameFromLink(base, l)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// fetchProjectVersions fetches a project page and extracts version
// strings from wheel/sdist filenames linked there, sorted newest-first by
// semver when every version parses as one, falling back to a reverse
// string sort otherwise (mirrors distr1-distri's extractVersions).
func (cg *CloudGazer) fetchProjectVersions(ctx context.Context, projectURL string) ([]string, error) {
	links, _, err := cg.fetchLinks(ctx, projectURL)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(links))
	var versions []string
	for _, l := range links {
		v := versionFromFilename(path.Base(l))
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		versions = append(versions, v)
	}

	valid := true
	for _, v := range versions {
		if !semver.IsValid(maybeV(v)) {
			valid = false
			break
		}
	}
	if valid {
		sort.Slice(versions, func(i, j int) bool {
			return semver.Compare(maybeV(versions[i]), maybeV(versions[j])) >= 0
		})
	} else {
		sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	}
	return versions, nil
}

func (cg *CloudGazer) fetchLinks(ctx context.Context, rawURL string) ([]string, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := cg.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%s: HTTP %s", rawURL, resp.Status)
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, err
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, nil, err
	}

	var links []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				if ref, err := url.Parse(attr.Val); err == nil {
					links = append(links, base.ResolveReference(ref).String())
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, base, nil
}

// packageNameFromLink extracts a simple-index package name from a link's
// last non-empty path segment (PyPI's simple index lists one link per
// package, trailing-slash style: "numpy/").
func packageNameFromLink(base *url.URL, link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	trimmed := strings.Trim(u.Path, "/")
	if trimmed == "" || trimmed == strings.Trim(base.Path, "/") {
		return ""
	}
	segments := strings.Split(trimmed, "/")
	return strings.ToLower(segments[len(segments)-1])
}

// versionFromFilename extracts the version component from a wheel or
// sdist filename: "numpy-1.26.4-cp311-cp311-linux_armv7l.whl" -> "1.26.4".
func versionFromFilename(filename string) string {
	name := filename
	for _, ext := range []string{".whl", ".tar.gz", ".zip"} {
		name = strings.TrimSuffix(name, ext)
	}
	parts := strings.Split(name, "-")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func maybeV(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}
