package definition

import (
	"context"
	"iter"
	"os"
	"strings"

	"ci-replicator/internal/common/errors"
	"ci-replicator/internal/common/logging"
	"ci-replicator/internal/config"
	"ci-replicator/internal/github"
	"ci-replicator/internal/models"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds concurrent repository scans
const DefaultWorkers = 16

// Enumerator yields definition descriptors. Sequences are lazy and may be iterated more
// than once; every iteration scans again.
type Enumerator interface {
	Enumerate(ctx context.Context) iter.Seq[models.DefinitionDescriptor]
}

// ClientProvider returns the source-control client for a host
type ClientProvider interface {
	For(host string) (github.Client, error)
}

// scanner reads definitions from repositories
type scanner struct {
	clients ClientProvider
	logger  logging.Logger
}

type repoRef struct {
	host          string
	owner         string
	name          string
	defaultBranch string
	mapping       config.JobMapping
}

func (r repoRef) path() string {
	return r.owner + "/" + r.name
}

// emit delivers a descriptor unless the consumer went away
type emitFunc func(models.DefinitionDescriptor) bool

func (s *scanner) scanRepository(ctx context.Context, ref repoRef, emit emitFunc) {
	logger := s.logger.WithFields(
		logging.String("repository", ref.path()),
		logging.String("host", ref.host),
	)
	failed := func(branch string, err error) models.DefinitionDescriptor {
		return models.DefinitionDescriptor{
			PipelineName:  ref.name,
			MainRepo:      &models.MainRepo{Path: ref.path(), Branch: branch, Hostname: ref.host},
			TargetBackend: ref.mapping.Backend,
			TargetTeam:    ref.mapping.Team,
			JobMapping:    ref.mapping.Name,
			Err:           err,
		}
	}

	client, err := s.clients.For(ref.host)
	if err != nil {
		emit(failed(ref.defaultBranch, err))
		return
	}

	if ref.defaultBranch == "" {
		repo, err := client.Repository(ctx, ref.owner, ref.name)
		if err != nil {
			emit(failed("", err))
			return
		}
		ref.defaultBranch = repo.DefaultBranch
	}

	branchCfg, err := s.branchConfig(ctx, client, ref)
	if err != nil {
		emit(failed(ref.defaultBranch, err))
		return
	}

	branches := []string{ref.defaultBranch}
	if branchCfg != nil {
		all, err := client.Branches(ctx, ref.owner, ref.name)
		if err != nil {
			emit(failed(ref.defaultBranch, err))
			return
		}
		branches = branchCfg.SelectBranches(all)
	}

	for _, branch := range branches {
		data, ok, err := client.FileContents(ctx, ref.owner, ref.name, DefinitionsPath, branch)
		if err != nil {
			if !emit(failed(branch, err)) {
				return
			}
			continue
		}
		if !ok {
			logger.Debug("No pipeline definitions on branch", logging.String("branch", branch))
			continue
		}

		doc, err := ParseDocument(data)
		if err != nil {
			if !emit(failed(branch, err)) {
				return
			}
			continue
		}

		for _, name := range doc.Names {
			d := models.DefinitionDescriptor{
				PipelineName:  name,
				RawDefinition: doc.Definitions[name],
				MainRepo:      &models.MainRepo{Path: ref.path(), Branch: branch, Hostname: ref.host},
				TargetBackend: ref.mapping.Backend,
				TargetTeam:    ref.mapping.Team,
				JobMapping:    ref.mapping.Name,
			}
			if branchCfg != nil {
				if o, ok := branchCfg.Override(branch, name); ok {
					d.OverrideDefinitions = append(d.OverrideDefinitions, o)
				}
			}
			if !emit(Preprocess(d)) {
				return
			}
		}
	}
}

// branchConfig returns nil when the repository has no branch.cfg
func (s *scanner) branchConfig(ctx context.Context, client github.Client, ref repoRef) (*BranchConfig, error) {
	data, ok, err := client.FileContents(ctx, ref.owner, ref.name, BranchConfigPath, MetaCIRef)
	if err != nil || !ok {
		return nil, err
	}
	return ParseBranchConfig(data)
}

// stream runs produce in the background and yields what it emits
func stream(ctx context.Context, produce func(ctx context.Context, emit emitFunc)) iter.Seq[models.DefinitionDescriptor] {
	return func(yield func(models.DefinitionDescriptor) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := make(chan models.DefinitionDescriptor)
		go func() {
			defer close(out)
			produce(ctx, func(d models.DefinitionDescriptor) bool {
				select {
				case out <- d:
					return true
				case <-ctx.Done():
					return false
				}
			})
		}()

		for d := range out {
			if !yield(d) {
				cancel()
				for range out {
				}
				return
			}
		}
	}
}

// OrganisationEnumerator scans every repository of every organisation of the selected job mappings
type OrganisationEnumerator struct {
	scanner
	store *config.Store
	// mappings restricts the scan; empty means all job mappings
	mappings []string
	workers  int
}

// NewOrganisationEnumerator scans the named job mappings, or all of them
func NewOrganisationEnumerator(store *config.Store, clients ClientProvider, logger logging.Logger, mappings ...string) *OrganisationEnumerator {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &OrganisationEnumerator{
		scanner:  scanner{clients: clients, logger: logger.WithFields(logging.String("component", "enumerator"))},
		store:    store,
		mappings: mappings,
		workers:  DefaultWorkers,
	}
}

// WithWorkers sets the number of concurrent repository scans
func (e *OrganisationEnumerator) WithWorkers(n int) *OrganisationEnumerator {
	if n > 0 {
		e.workers = n
	}
	return e
}

func (e *OrganisationEnumerator) Enumerate(ctx context.Context) iter.Seq[models.DefinitionDescriptor] {
	return stream(ctx, e.scanAll)
}

func (e *OrganisationEnumerator) selected() ([]config.JobMapping, error) {
	cfg := e.store.Current()
	if len(e.mappings) == 0 {
		return cfg.JobMappings, nil
	}
	out := make([]config.JobMapping, 0, len(e.mappings))
	for _, name := range e.mappings {
		m, err := cfg.JobMapping(name)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (e *OrganisationEnumerator) scanAll(ctx context.Context, emit emitFunc) {
	mappings, err := e.selected()
	if err != nil {
		e.logger.Error("Failed to select job mappings", err)
		emit(models.DefinitionDescriptor{PipelineName: strings.Join(e.mappings, ","), Err: err})
		return
	}

	var g errgroup.Group
	g.SetLimit(e.workers)

	for _, m := range mappings {
		for _, org := range m.GitHubOrgs {
			client, err := e.clients.For(org.Host)
			if err == nil {
				var repos []github.Repository
				repos, err = client.OrgRepositories(ctx, org.Name)
				if err == nil {
					for _, repo := range repos {
						if repo.Archived || !org.Matches(repo.Name) {
							continue
						}
						ref := repoRef{
							host:          org.Host,
							owner:         org.Name,
							name:          repo.Name,
							defaultBranch: repo.DefaultBranch,
							mapping:       m,
						}
						g.Go(func() error {
							if ctx.Err() == nil {
								e.scanRepository(ctx, ref, emit)
							}
							return nil
						})
					}
					continue
				}
			}

			e.logger.Error("Failed to list organisation repositories", err,
				logging.String("org", org.Name),
				logging.String("host", org.Host),
			)
			if !emit(models.DefinitionDescriptor{
				PipelineName:  org.Name,
				TargetBackend: m.Backend,
				TargetTeam:    m.Team,
				JobMapping:    m.Name,
				Err:           err,
			}) {
				_ = g.Wait()
				return
			}
		}
	}
	_ = g.Wait()
}

// RepositoryEnumerator scans a single repository
type RepositoryEnumerator struct {
	scanner
	ref repoRef
}

// NewRepositoryEnumerator resolves the job mapping responsible for the repository.
// It fails with a not-found error when no mapping covers it.
func NewRepositoryEnumerator(store *config.Store, clients ClientProvider, logger logging.Logger, host, owner, name string) (*RepositoryEnumerator, error) {
	if host == "" {
		host = github.PublicHost
	}
	m, err := store.Current().JobMappingForRepository(host, owner, name)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &RepositoryEnumerator{
		scanner: scanner{clients: clients, logger: logger.WithFields(logging.String("component", "enumerator"))},
		ref:     repoRef{host: host, owner: owner, name: name, mapping: m},
	}, nil
}

func (e *RepositoryEnumerator) Enumerate(ctx context.Context) iter.Seq[models.DefinitionDescriptor] {
	return stream(ctx, func(ctx context.Context, emit emitFunc) {
		e.scanRepository(ctx, e.ref, emit)
	})
}

// FileEnumerator reads a definitions file from the local filesystem
type FileEnumerator struct {
	path     string
	mainRepo *models.MainRepo
	target   models.Target
}

// NewFileEnumerator reads path; mainRepo and target may be empty for render-only use
func NewFileEnumerator(path string, mainRepo *models.MainRepo, target models.Target) *FileEnumerator {
	return &FileEnumerator{path: path, mainRepo: mainRepo, target: target}
}

func (e *FileEnumerator) Enumerate(ctx context.Context) iter.Seq[models.DefinitionDescriptor] {
	return func(yield func(models.DefinitionDescriptor) bool) {
		base := models.DefinitionDescriptor{
			MainRepo:      e.mainRepo,
			TargetBackend: e.target.Backend,
			TargetTeam:    e.target.Team,
		}

		data, err := os.ReadFile(e.path)
		if err != nil {
			d := base
			d.PipelineName = e.path
			yield(d.WithError(errors.NotFoundError(e.path).WithContext("cause", err.Error())))
			return
		}
		doc, err := ParseDocument(data)
		if err != nil {
			d := base
			d.PipelineName = e.path
			yield(d.WithError(err))
			return
		}

		for _, name := range doc.Names {
			if ctx.Err() != nil {
				return
			}
			d := base
			d.PipelineName = name
			d.RawDefinition = doc.Definitions[name]
			if !yield(Preprocess(d)) {
				return
			}
		}
	}
}
