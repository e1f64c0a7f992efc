package ledger

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/jobcost/internal/model"
)

// Fixture is a YAML snapshot of accounting data used for seeding and demos.
// Dates are YYYY-MM-DD and amounts are decimal strings.
type Fixture struct {
	Phases   []model.BuildPhase `yaml:"phases"`
	Projects []projectFixture   `yaml:"projects"`
	Invoices []actualFixture    `yaml:"invoices"`
	Bills    []actualFixture    `yaml:"bills"`
}

type projectFixture struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Client    string `yaml:"client"`
	Active    bool   `yaml:"active"`
	StartDate string `yaml:"start_date"`
	EndDate   string `yaml:"end_date"`
}

type actualFixture struct {
	ID         string `yaml:"id"`
	ProjectID  string `yaml:"project_id"`
	PhaseID    string `yaml:"phase_id"`
	Type       string `yaml:"type"`
	Status     string `yaml:"status"`
	Total      string `yaml:"total"`
	AmountPaid string `yaml:"amount_paid"`
	AmountDue  string `yaml:"amount_due"`
	Date       string `yaml:"date"`
	DueDate    string `yaml:"due_date"`
	Reference  string `yaml:"reference"`
}

// LoadFixture reads and parses a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: read fixture")
	}
	return ParseFixture(data)
}

// ParseFixture parses YAML fixture data.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "ledger: unmarshal fixture")
	}
	return &f, nil
}

// ApplyFixture upserts the fixture's phases, projects, invoices and bills.
// Applying the same fixture twice leaves the ledger unchanged.
func (s *Service) ApplyFixture(ctx context.Context, f *Fixture) error {
	projects := make([]model.Project, 0, len(f.Projects))
	for _, p := range f.Projects {
		proj, err := p.model()
		if err != nil {
			return err
		}
		projects = append(projects, proj)
	}

	invoices := make([]model.Invoice, 0, len(f.Invoices))
	for _, a := range f.Invoices {
		inv, err := a.invoice()
		if err != nil {
			return err
		}
		invoices = append(invoices, inv)
	}

	bills := make([]model.Bill, 0, len(f.Bills))
	for _, a := range f.Bills {
		b, err := a.bill()
		if err != nil {
			return err
		}
		bills = append(bills, b)
	}

	if err := s.store.UpsertPhases(ctx, f.Phases); err != nil {
		return eris.Wrap(err, "ledger: upsert phases")
	}
	if err := s.store.UpsertProjects(ctx, projects); err != nil {
		return eris.Wrap(err, "ledger: upsert projects")
	}
	if err := s.store.UpsertInvoices(ctx, invoices); err != nil {
		return eris.Wrap(err, "ledger: upsert invoices")
	}
	if err := s.store.UpsertBills(ctx, bills); err != nil {
		return eris.Wrap(err, "ledger: upsert bills")
	}

	zap.L().Info("ledger: fixture applied",
		zap.Int("phases", len(f.Phases)),
		zap.Int("projects", len(projects)),
		zap.Int("invoices", len(invoices)),
		zap.Int("bills", len(bills)),
	)
	return nil
}

func (p projectFixture) model() (model.Project, error) {
	if p.ID == "" {
		return model.Project{}, model.NewValidationError("project.id", "is required")
	}
	start, err := optionalDate("project.start_date", p.StartDate)
	if err != nil {
		return model.Project{}, err
	}
	end, err := optionalDate("project.end_date", p.EndDate)
	if err != nil {
		return model.Project{}, err
	}
	return model.Project{
		ID:        p.ID,
		Name:      p.Name,
		Client:    p.Client,
		Active:    p.Active,
		StartDate: start,
		EndDate:   end,
		UpdatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}, nil
}

type actualFields struct {
	phase      *string
	status     model.DocStatus
	total      decimal.Decimal
	amountPaid decimal.Decimal
	amountDue  decimal.Decimal
	date       time.Time
	dueDate    *time.Time
}

func (a actualFixture) fields(kind string) (actualFields, error) {
	var out actualFields
	if a.ID == "" || a.ProjectID == "" {
		return out, model.NewValidationError(kind, "id and project_id are required")
	}
	out.status = model.DocStatus(a.Status)
	if !out.status.Valid() {
		return out, model.NewValidationError(kind+".status", "unknown status "+a.Status)
	}
	if a.PhaseID != "" {
		phase := a.PhaseID
		out.phase = &phase
	}

	var err error
	if out.total, err = amount(kind+".total", a.Total); err != nil {
		return out, err
	}
	if out.amountPaid, err = amount(kind+".amount_paid", a.AmountPaid); err != nil {
		return out, err
	}
	if out.amountDue, err = amount(kind+".amount_due", a.AmountDue); err != nil {
		return out, err
	}
	date, err := optionalDate(kind+".date", a.Date)
	if err != nil {
		return out, err
	}
	if date == nil {
		return out, model.NewValidationError(kind+".date", "is required")
	}
	out.date = *date
	if out.dueDate, err = optionalDate(kind+".due_date", a.DueDate); err != nil {
		return out, err
	}
	return out, nil
}

func (a actualFixture) invoice() (model.Invoice, error) {
	f, err := a.fields("invoice")
	if err != nil {
		return model.Invoice{}, err
	}
	typ := model.InvoiceType(a.Type)
	if !typ.Valid() {
		return model.Invoice{}, model.NewValidationError("invoice.type", "must be ACCREC or ACCPAY")
	}
	return model.Invoice{
		ID: a.ID, ProjectID: a.ProjectID, PhaseID: f.phase, Type: typ, Status: f.status,
		Total: f.total, AmountPaid: f.amountPaid, AmountDue: f.amountDue,
		Date: f.date, DueDate: f.dueDate, Reference: a.Reference,
	}, nil
}

func (a actualFixture) bill() (model.Bill, error) {
	f, err := a.fields("bill")
	if err != nil {
		return model.Bill{}, err
	}
	return model.Bill{
		ID: a.ID, ProjectID: a.ProjectID, PhaseID: f.phase, Status: f.status,
		Total: f.total, AmountPaid: f.amountPaid, AmountDue: f.amountDue,
		Date: f.date, DueDate: f.dueDate, Reference: a.Reference,
	}, nil
}

func amount(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, model.NewValidationError(field, "is not a decimal amount")
	}
	return model.RoundCents(d), nil
}

func optionalDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, model.NewValidationError(field, "must be YYYY-MM-DD")
	}
	return &t, nil
}
