package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tracelabs/whaletrace/internal/detect"
	"github.com/tracelabs/whaletrace/internal/graph"
	"github.com/tracelabs/whaletrace/internal/pattern"
	"github.com/tracelabs/whaletrace/internal/source"
)

const (
	LayerExpansion  = "expansion"
	LayerBehavioral = "behavioral"
	LayerOSINT      = "osint"
)

// ExpansionLayer pulls an address's transfers, writes funding relationships,
// runs the cluster detectors over the batch, and queues newly discovered
// counterparties.
type ExpansionLayer struct {
	store    *graph.Store
	chain    source.ChainSource
	detector *detect.Engine
	log      *slog.Logger
	// TransferLimit bounds how many transfers one address contributes.
	TransferLimit int
}

func NewExpansionLayer(store *graph.Store, chain source.ChainSource, detector *detect.Engine, log *slog.Logger) *ExpansionLayer {
	if log == nil {
		log = slog.Default()
	}
	return &ExpansionLayer{store: store, chain: chain, detector: detector, log: log, TransferLimit: 200}
}

func (l *ExpansionLayer) Name() string { return LayerExpansion }

func (l *ExpansionLayer) Process(ctx context.Context, address string) error {
	address = graph.NormalizeAddress(address)

	transfers, err := l.chain.Transfers(ctx, address, l.TransferLimit)
	if err != nil {
		return fmt.Errorf("fetch transfers: %w", err)
	}
	info, err := l.chain.Contract(ctx, address)
	if err != nil {
		return fmt.Errorf("fetch contract info: %w", err)
	}

	// All graph writes for this address commit as one transaction.
	err = l.store.Atomic(ctx, func(ctx context.Context, ops *graph.Ops) error {
		if _, err := ops.UpsertEntity(ctx, graph.EntityUpdate{Address: address}); err != nil {
			return err
		}
		if len(transfers) > 0 {
			if _, err := ops.AddEvidence(ctx, graph.Evidence{
				EntityAddress: address,
				Source:        "onchain",
				Claim:         fmt.Sprintf("%d transfers observed on chain", len(transfers)),
				Confidence:    0.4,
			}); err != nil {
				return err
			}
		}
		if info != nil && info.IsContract && info.Deployer != "" {
			if _, err := ops.AddRelationship(ctx, graph.Relationship{
				Source:      address,
				Target:      info.Deployer,
				Type:        graph.RelDeployedBy,
				Confidence:  0.95,
				EvidenceRef: "contract_creation",
			}); err != nil {
				return err
			}
			if _, err := ops.AddEvidence(ctx, graph.Evidence{
				EntityAddress: address,
				Source:        "onchain",
				Claim:         fmt.Sprintf("contract %q deployed by %s", info.Name, info.Deployer),
				Confidence:    0.95,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	contracts := map[string]bool{}
	if info != nil && info.IsContract {
		contracts[address] = true
	}
	if _, err := l.detector.Run(ctx, transfers, contracts); err != nil {
		return fmt.Errorf("cluster detection: %w", err)
	}

	return l.enqueueDiscovered(ctx, address, transfers)
}

// enqueueDiscovered queues every counterparty that is not already a settled
// entity; an address with a completed expansion task is never re-queued.
func (l *ExpansionLayer) enqueueDiscovered(ctx context.Context, address string, transfers []source.Transfer) error {
	seen := map[string]bool{address: true}
	var discovered []string
	for _, t := range transfers {
		for _, other := range []string{t.From, t.To} {
			other = graph.NormalizeAddress(other)
			if other == "" || seen[other] {
				continue
			}
			seen[other] = true
			discovered = append(discovered, other)
		}
	}
	sort.Strings(discovered)

	queued := 0
	for _, addr := range discovered {
		added, err := l.store.EnqueueDiscovered(ctx, addr, LayerExpansion)
		if err != nil {
			return fmt.Errorf("enqueue discovered %s: %w", addr, err)
		}
		if added {
			queued++
			for _, layer := range []string{LayerBehavioral, LayerOSINT} {
				if err := l.store.Enqueue(ctx, addr, layer); err != nil {
					return err
				}
			}
		}
	}
	if queued > 0 {
		l.log.Debug("queued discovered neighbors", "address", address, "count", queued)
	}
	return nil
}

// BehavioralLayer derives activity-pattern signals: an activity-peak timezone
// guess and an automated-cadence flag. The timezone heuristic assumes a
// business-hours peak, which misfires for night-active traders, so it is
// capped at low confidence and never sets an entity type by itself.
type BehavioralLayer struct {
	store *graph.Store
	chain source.ChainSource
	log   *slog.Logger

	TransferLimit int
}

func NewBehavioralLayer(store *graph.Store, chain source.ChainSource, log *slog.Logger) *BehavioralLayer {
	if log == nil {
		log = slog.Default()
	}
	return &BehavioralLayer{store: store, chain: chain, log: log, TransferLimit: 200}
}

func (l *BehavioralLayer) Name() string { return LayerBehavioral }

const maxTimezoneConfidence = 0.30

func (l *BehavioralLayer) Process(ctx context.Context, address string) error {
	address = graph.NormalizeAddress(address)

	transfers, err := l.chain.Transfers(ctx, address, l.TransferLimit)
	if err != nil {
		return fmt.Errorf("fetch transfers: %w", err)
	}

	var outgoing []time.Time
	for _, t := range transfers {
		if graph.NormalizeAddress(t.From) == address {
			outgoing = append(outgoing, t.Timestamp)
		}
	}
	if len(outgoing) < 5 {
		return nil // not enough activity to fingerprint
	}
	sort.Slice(outgoing, func(i, j int) bool { return outgoing[i].Before(outgoing[j]) })

	offset, share := activityPeak(outgoing)
	automated := medianInterval(outgoing) < time.Minute && len(outgoing) >= 20

	return l.store.Atomic(ctx, func(ctx context.Context, ops *graph.Ops) error {
		if _, err := ops.UpsertEntity(ctx, graph.EntityUpdate{Address: address}); err != nil {
			return err
		}
		if share > 0.5 && !automated {
			if _, err := ops.AddEvidence(ctx, graph.Evidence{
				EntityAddress: address,
				Source:        "behavioral",
				Claim:         fmt.Sprintf("activity peak suggests timezone UTC%+d (%.0f%% of transfers)", offset, share*100),
				Confidence:    maxTimezoneConfidence * share,
			}); err != nil {
				return err
			}
		}
		if automated {
			if _, err := ops.AddEvidence(ctx, graph.Evidence{
				EntityAddress: address,
				Source:        "behavioral",
				Claim:         fmt.Sprintf("automated cadence: %d transfers with sub-minute median interval", len(outgoing)),
				Confidence:    0.6,
			}); err != nil {
				return err
			}
			if _, err := ops.UpsertEntity(ctx, graph.EntityUpdate{
				Address:    address,
				EntityType: graph.TypeBot,
				TypeSource: graph.TypeSourceBehavioral,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// activityPeak finds the densest 8-hour UTC window and converts it to a
// timezone offset assuming local business hours start at 09:00. Returns the
// offset and the window's share of all activity.
func activityPeak(times []time.Time) (int, float64) {
	var hours [24]int
	for _, t := range times {
		hours[t.UTC().Hour()]++
	}

	bestStart, bestCount := 0, -1
	for start := 0; start < 24; start++ {
		count := 0
		for i := 0; i < 8; i++ {
			count += hours[(start+i)%24]
		}
		if count > bestCount {
			bestStart, bestCount = start, count
		}
	}

	offset := 9 - bestStart
	for offset > 12 {
		offset -= 24
	}
	for offset < -11 {
		offset += 24
	}
	return offset, float64(bestCount) / float64(len(times))
}

func medianInterval(sorted []time.Time) time.Duration {
	if len(sorted) < 2 {
		return time.Duration(1<<62 - 1)
	}
	gaps := make([]time.Duration, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, sorted[i].Sub(sorted[i-1]))
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps[len(gaps)/2]
}

// OSINTLayer aggregates off-chain identity signals (ENS, governance votes,
// curated labels) and runs the pattern matcher over the accumulated facts.
type OSINTLayer struct {
	store *graph.Store
	osint source.OSINTSource
	chain source.ChainSource
	log   *slog.Logger
}

func NewOSINTLayer(store *graph.Store, osint source.OSINTSource, chain source.ChainSource, log *slog.Logger) *OSINTLayer {
	if log == nil {
		log = slog.Default()
	}
	return &OSINTLayer{store: store, osint: osint, chain: chain, log: log}
}

func (l *OSINTLayer) Name() string { return LayerOSINT }

func (l *OSINTLayer) Process(ctx context.Context, address string) error {
	address = graph.NormalizeAddress(address)

	ens, err := l.osint.ENS(ctx, address)
	if err != nil {
		return fmt.Errorf("ens: %w", err)
	}
	votes, err := l.osint.Votes(ctx, address)
	if err != nil {
		return fmt.Errorf("votes: %w", err)
	}
	label, err := l.osint.Label(ctx, address)
	if err != nil {
		return fmt.Errorf("label: %w", err)
	}
	info, err := l.chain.Contract(ctx, address)
	if err != nil {
		return fmt.Errorf("contract info: %w", err)
	}

	existing, err := l.store.GetEntity(ctx, address)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return err
	}

	err = l.store.Atomic(ctx, func(ctx context.Context, ops *graph.Ops) error {
		update := graph.EntityUpdate{Address: address}
		if ens != nil {
			update.ENSName = &ens.Name
		}
		if label != nil {
			update.Identity = &label.Label
			if existing == nil || label.Confidence > existing.Confidence {
				conf := label.Confidence
				update.Confidence = &conf
			}
		}
		if _, err := ops.UpsertEntity(ctx, update); err != nil {
			return err
		}

		if ens != nil {
			if _, err := ops.AddEvidence(ctx, graph.Evidence{
				EntityAddress: address,
				Source:        "osint",
				Claim:         fmt.Sprintf("ENS name %s", ens.Name),
				Confidence:    0.85,
			}); err != nil {
				return err
			}
		}
		if len(votes) > 0 {
			conf := 0.2 + 0.1*float64(len(votes))
			if conf > 0.8 {
				conf = 0.8
			}
			if _, err := ops.AddEvidence(ctx, graph.Evidence{
				EntityAddress: address,
				Source:        "osint",
				Claim:         fmt.Sprintf("cast %d governance votes, latest in %s", len(votes), votes[0].Space),
				Confidence:    conf,
			}); err != nil {
				return err
			}
		}
		if label != nil {
			if _, err := ops.AddEvidence(ctx, graph.Evidence{
				EntityAddress: address,
				Source:        "osint",
				Claim:         fmt.Sprintf("labeled %q (%s)", label.Label, label.Category),
				Confidence:    label.Confidence,
				URL:           label.URL,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return l.applyPattern(ctx, address, votes, info)
}

// applyPattern scores the entity's full fact bag against the archetype
// templates and writes the winning entity type at behavioral priority.
func (l *OSINTLayer) applyPattern(ctx context.Context, address string, votes []source.GovernanceVote, info *source.ContractInfo) error {
	ent, err := l.store.GetEntity(ctx, address)
	if errors.Is(err, graph.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	evidence, err := l.store.EvidenceFor(ctx, address)
	if err != nil {
		return err
	}

	clusterSize := 0
	if ent.ClusterID != "" {
		members, err := l.store.ClusterMembers(ctx, ent.ClusterID)
		if err != nil {
			return err
		}
		clusterSize = len(members)
	}

	facts := pattern.Facts{
		Entity:          ent,
		Evidence:        evidence,
		ClusterSize:     clusterSize,
		GovernanceVotes: len(votes),
	}
	if info != nil {
		facts.IsContract = info.IsContract
		facts.ContractName = info.Name
	}

	match, ok := pattern.Best(facts)
	if !ok {
		return nil
	}
	l.log.Debug("pattern matched", "address", address, "template", match.Template, "score", match.Score)
	_, err = l.store.UpsertEntity(ctx, graph.EntityUpdate{
		Address:    address,
		EntityType: match.Type,
		TypeSource: graph.TypeSourceBehavioral,
	})
	return err
}
