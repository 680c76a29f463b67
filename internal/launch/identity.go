package launch

import (
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"agenthub/internal/apierr"
)

// Identity is the single (uid, gid, username, supplementary_gids, umask)
// every launched container runs as, resolved once at startup.
type Identity struct {
	UID               int
	GID               int
	Username          string
	SupplementaryGIDs []int
	Umask             int
}

// defaultUmask matches the teacher's containers; nothing in config
// currently overrides it.
const defaultUmask = 0o022

// IdentityConfig is resolution source (a), explicit config. UID/GID of -1
// mean "not set in config".
type IdentityConfig struct {
	UID               int
	GID               int
	Username          string
	SupplementaryGIDs []int
}

// ResolveIdentity resolves (uid, gid, username, supplementary_gids, umask)
// per §4.5, in order: explicit config, environment overrides, a stat() of
// sharedRoot, then the process's own credentials. Non-numeric or negative
// values, and a uid given without its gid (or vice versa), fail with
// IDENTITY_ERROR at whichever source supplied them.
func ResolveIdentity(cfg IdentityConfig, sharedRoot string) (Identity, error) {
	if id, ok, err := identityFromConfig(cfg); ok || err != nil {
		return id, err
	}
	if id, ok, err := identityFromEnv(); ok || err != nil {
		return id, err
	}
	if sharedRoot != "" {
		if id, ok, err := identityFromStat(sharedRoot); ok || err != nil {
			return id, err
		}
	}
	return identityFromProcess()
}

func identityFromConfig(cfg IdentityConfig) (Identity, bool, error) {
	if cfg.UID < 0 && cfg.GID < 0 {
		return Identity{}, false, nil
	}
	if cfg.UID < 0 || cfg.GID < 0 {
		return Identity{}, true, apierr.Identity("identity.uid and identity.gid must be set together")
	}
	return Identity{
		UID:               cfg.UID,
		GID:               cfg.GID,
		Username:          cfg.Username,
		SupplementaryGIDs: cfg.SupplementaryGIDs,
		Umask:             defaultUmask,
	}, true, nil
}

func identityFromEnv() (Identity, bool, error) {
	uidStr := os.Getenv("AGENT_HUB_HOST_UID")
	gidStr := os.Getenv("AGENT_HUB_HOST_GID")
	if uidStr == "" && gidStr == "" {
		return Identity{}, false, nil
	}
	if uidStr == "" || gidStr == "" {
		return Identity{}, true, apierr.Identity("AGENT_HUB_HOST_UID and AGENT_HUB_HOST_GID must be set together")
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil || uid < 0 {
		return Identity{}, true, apierr.Identity("AGENT_HUB_HOST_UID %q is not a valid non-negative integer", uidStr)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil || gid < 0 {
		return Identity{}, true, apierr.Identity("AGENT_HUB_HOST_GID %q is not a valid non-negative integer", gidStr)
	}
	supp, err := parseSupplementaryGIDs(os.Getenv("AGENT_HUB_HOST_SUPPLEMENTARY_GIDS"))
	if err != nil {
		return Identity{}, true, err
	}
	return Identity{
		UID:               uid,
		GID:               gid,
		Username:          os.Getenv("AGENT_HUB_HOST_USER"),
		SupplementaryGIDs: supp,
		Umask:             defaultUmask,
	}, true, nil
}

func parseSupplementaryGIDs(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		gid, err := strconv.Atoi(part)
		if err != nil || gid < 0 {
			return nil, apierr.Identity("AGENT_HUB_HOST_SUPPLEMENTARY_GIDS entry %q is not a valid non-negative integer", part)
		}
		out = append(out, gid)
	}
	return out, nil
}

// identityFromStat resolves identity (c) from the owner of a configured
// shared-root path. A missing or unreadable path is not an error at this
// stage; it just means the source doesn't apply and resolution falls
// through to the process's own credentials.
func identityFromStat(sharedRoot string) (Identity, bool, error) {
	info, err := os.Stat(sharedRoot)
	if err != nil {
		return Identity{}, false, nil
	}
	uid, gid, ok := statOwnership(info)
	if !ok {
		return Identity{}, false, nil
	}
	username := ""
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		username = u.Username
	}
	return Identity{
		UID:      uid,
		GID:      gid,
		Username: username,
		Umask:    defaultUmask,
	}, true, nil
}

func statOwnership(info os.FileInfo) (uid, gid int, ok bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(st.Uid), int(st.Gid), true
}

func identityFromProcess() (Identity, error) {
	uid := os.Getuid()
	gid := os.Getgid()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	supp, _ := os.Getgroups()
	return Identity{
		UID:               uid,
		GID:               gid,
		Username:          username,
		SupplementaryGIDs: supp,
		Umask:             defaultUmask,
	}, nil
}
