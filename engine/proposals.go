package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/skyform-io/skyform/types"
)

// Proposals returns the session's file proposals.
func (o *Orchestrator) Proposals(ctx context.Context, deploymentID string) ([]types.FileProposal, error) {
	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	return s.Proposals, nil
}

// ApproveProposal approves one pending proposal and materializes every
// approved proposal into the deployment's working tree with a single atomic
// write.
func (o *Orchestrator) ApproveProposal(ctx context.Context, deploymentID, proposalID, userID string) error {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()
	return o.decideProposals(ctx, deploymentID, userID, func(p *types.FileProposal) bool {
		return p.ID == proposalID
	})
}

// ApproveAllProposals approves every pending proposal and materializes them
// in one atomic write.
func (o *Orchestrator) ApproveAllProposals(ctx context.Context, deploymentID, userID string) error {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()
	return o.decideProposals(ctx, deploymentID, userID, func(*types.FileProposal) bool { return true })
}

// RejectProposal marks one pending proposal rejected. Nothing touches the
// working tree.
func (o *Orchestrator) RejectProposal(ctx context.Context, deploymentID, proposalID, userID string) error {
	l := o.lockFor(deploymentID)
	l.Lock()
	defer l.Unlock()

	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	for i := range s.Proposals {
		if s.Proposals[i].ID != proposalID {
			continue
		}
		if s.Proposals[i].Status != types.ProposalPending {
			return types.Ef(types.KindInvalidInput, "proposal %s is already %s", proposalID, s.Proposals[i].Status)
		}
		s.Proposals[i].Status = types.ProposalRejected
		if err := o.saveSession(ctx, s, nil); err != nil {
			return err
		}
		o.record(ctx, userID, "proposal_reject", deploymentID, map[string]any{"path": s.Proposals[i].Path})
		return nil
	}
	return types.Ef(types.KindNotFound, "proposal %s not found for %s", proposalID, deploymentID)
}

// decideProposals approves pending proposals matched by pick, then writes the
// deployment's source bundle plus every approved file atomically.
func (o *Orchestrator) decideProposals(ctx context.Context, deploymentID, userID string, pick func(*types.FileProposal) bool) error {
	s, err := o.sessions.Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	d, err := o.deps.Get(ctx, deploymentID)
	if err != nil {
		return err
	}

	var approved []types.FileProposal
	matched := false
	for i := range s.Proposals {
		p := &s.Proposals[i]
		if p.Status == types.ProposalPending && pick(p) {
			p.Status = types.ProposalApproved
			matched = true
		}
		if p.Status == types.ProposalApproved {
			approved = append(approved, *p)
		}
	}
	if !matched {
		return types.Ef(types.KindNotFound, "no pending proposal matched for %s", deploymentID)
	}

	// Overlay approved files onto the stored bundle and write the result.
	files := d.Sources.Files()
	for _, p := range approved {
		files[p.Path] = p.Content
		applySource(&d.Sources, p.Path, p.Content)
	}
	if o.iac != nil {
		if _, err := o.iac.WriteAndFormat(deploymentID, files); err != nil {
			return err
		}
	}

	d.UpdatedAt = o.now().UTC()
	if err := o.deps.Update(ctx, d); err != nil {
		return err
	}
	if err := o.saveSession(ctx, s, nil); err != nil {
		return err
	}
	o.record(ctx, userID, "proposal_approve", deploymentID, map[string]any{"files": len(approved)})
	o.logger.Info("proposals approved",
		zap.String("deployment_id", deploymentID),
		zap.Int("files", len(approved)))
	return nil
}

// applySource mirrors an approved file into the canonical source bundle when
// its path matches a bundle slot.
func applySource(b *types.SourceBundle, path, content string) {
	switch path {
	case "main.tf":
		b.Main = content
	case "variables.tf":
		b.Variables = content
	case "outputs.tf":
		b.Outputs = content
	case "providers.tf":
		b.Providers = content
	}
}
