package state

import "agenthub/internal/model"

// Normalize is the state store's total normalizer: it fills defaults,
// coerces enums to their canonical set, and re-derives invariants such
// as artifact_current_ids being a subset of each chat's artifacts. It is
// idempotent: Normalize(Normalize(s)) == Normalize(s). It rewrites the
// entries of in's Projects and Chats maps in place, so the caller's maps
// see the normalized values too.
func Normalize(in model.State) (model.State, bool) {
	changed := false

	if in.Version == 0 {
		in.Version = model.CurrentSchemaVersion
		changed = true
	}
	if in.Projects == nil {
		in.Projects = map[string]model.Project{}
		changed = true
	}
	if in.Chats == nil {
		in.Chats = map[string]model.Chat{}
		changed = true
	}
	if in.Settings.DefaultAgentType == "" {
		in.Settings.DefaultAgentType = model.AgentCodex
		changed = true
	}
	if in.Settings.GitUserName == "" {
		in.Settings.GitUserName = "Agent Hub"
		changed = true
	}
	if in.Settings.GitUserEmail == "" {
		in.Settings.GitUserEmail = "agent-hub@localhost"
		changed = true
	}

	for id, p := range in.Projects {
		np := p
		nbs := model.NormalizeBuildStatus(string(p.BuildStatus))
		if nbs != p.BuildStatus {
			np.BuildStatus = nbs
			changed = true
		}
		nbm := model.NormalizeBaseImageMode(string(p.BaseImageMode))
		if nbm != p.BaseImageMode {
			np.BaseImageMode = nbm
			changed = true
		}
		nbd := model.NormalizeBindingMode(string(p.CredentialBinding.Mode))
		if nbd != p.CredentialBinding.Mode {
			np.CredentialBinding.Mode = nbd
			changed = true
		}
		if np.DefaultROMounts == nil {
			np.DefaultROMounts = []string{}
			changed = true
		}
		if np.DefaultRWMounts == nil {
			np.DefaultRWMounts = []string{}
			changed = true
		}
		if np.DefaultEnvVars == nil {
			np.DefaultEnvVars = []string{}
			changed = true
		}
		in.Projects[id] = np
	}

	for id, c := range in.Chats {
		nc := c
		if at, ok := model.NormalizeAgentType(string(c.AgentType)); ok {
			if at != c.AgentType {
				nc.AgentType = at
				changed = true
			}
		} else {
			nc.AgentType = model.AgentCodex
			changed = true
		}
		ncs := model.NormalizeChatStatus(string(c.Status))
		if ncs != c.Status {
			nc.Status = ncs
			changed = true
		}
		nts := model.NormalizeTitleStatus(string(c.TitleStatus))
		if nts != c.TitleStatus {
			nc.TitleStatus = nts
			changed = true
		}
		if nc.ROMounts == nil {
			nc.ROMounts = []string{}
			changed = true
		}
		if nc.RWMounts == nil {
			nc.RWMounts = []string{}
			changed = true
		}
		if nc.EnvVars == nil {
			nc.EnvVars = []string{}
			changed = true
		}
		if nc.AgentArgs == nil {
			nc.AgentArgs = []string{}
			changed = true
		}
		if nc.TitleUserPrompts == nil {
			nc.TitleUserPrompts = []string{}
			changed = true
		}

		validIDs := make(map[string]bool, len(nc.Artifacts))
		for _, a := range nc.Artifacts {
			validIDs[a.ID] = true
		}
		filtered := make([]string, 0, len(nc.ArtifactCurrentIDs))
		for _, id := range nc.ArtifactCurrentIDs {
			if validIDs[id] {
				filtered = append(filtered, id)
			} else {
				changed = true
			}
		}
		nc.ArtifactCurrentIDs = filtered

		in.Chats[id] = nc
	}

	return in, changed
}
