package reports

import (
	"context"
	"fmt"
	"net/http"

	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// StatementRow is one billing line on the exported SOA.
type StatementRow struct {
	VoucherNumber    string          `json:"voucher_number"`
	CustomerName     string          `json:"customer_name"`
	ProjectNumber    string          `json:"project_number"`
	Purpose          string          `json:"purpose"`
	Amount           decimal.Decimal `json:"amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	BillingStatus    string          `json:"billing_status"`
}

func getStatementRows(ctx context.Context, reference string) ([]StatementRow, error) {
	members, err := models.GetStatementMembers(ctx, reference)
	if err != nil {
		return nil, err
	}

	rows := make([]StatementRow, 0, len(members))
	for _, v := range members {
		rows = append(rows, StatementRow{
			VoucherNumber:    v.VoucherNumber,
			CustomerName:     v.CustomerName,
			ProjectNumber:    v.ProjectNumber,
			Purpose:          v.Purpose,
			Amount:           v.Amount,
			RemainingBalance: v.RemainingBalance,
			BillingStatus:    string(v.BillingStatus),
		})
	}
	return rows, nil
}

// BuildStatementWorkbook renders the SOA as one sheet: a header block,
// one row per member billing, and a total row.
func BuildStatementWorkbook(ctx context.Context, statement *models.Statement) (*excelize.File, error) {

	rows, err := getStatementRows(ctx, statement.Reference)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return nil, err
	}

	f.SetCellValue(sheetName, "A1", "Statement of Account")
	f.SetCellValue(sheetName, "A2", "Reference")
	f.SetCellValue(sheetName, "B2", statement.Reference)
	f.SetCellValue(sheetName, "A3", "Generated By")
	f.SetCellValue(sheetName, "B3", statement.GeneratedByName)

	headings := []string{"VoucherNumber", "Customer", "Project", "Purpose", "Amount", "Outstanding", "BillingStatus"}
	col := 'A'
	for _, h := range headings {
		f.SetCellValue(sheetName, string(col)+"5", h)
		col++
	}

	total := decimal.Zero
	outstanding := decimal.Zero
	for i, r := range rows {
		rowNo := fmt.Sprint(i + 6)
		f.SetCellValue(sheetName, "A"+rowNo, r.VoucherNumber)
		f.SetCellValue(sheetName, "B"+rowNo, r.CustomerName)
		f.SetCellValue(sheetName, "C"+rowNo, r.ProjectNumber)
		f.SetCellValue(sheetName, "D"+rowNo, r.Purpose)
		f.SetCellValue(sheetName, "E"+rowNo, r.Amount.InexactFloat64())
		f.SetCellValue(sheetName, "F"+rowNo, r.RemainingBalance.InexactFloat64())
		f.SetCellValue(sheetName, "G"+rowNo, r.BillingStatus)
		total = total.Add(r.Amount)
		outstanding = outstanding.Add(r.RemainingBalance)
	}

	totalRow := fmt.Sprint(len(rows) + 6)
	f.SetCellValue(sheetName, "D"+totalRow, "Total")
	f.SetCellValue(sheetName, "E"+totalRow, total.InexactFloat64())
	f.SetCellValue(sheetName, "F"+totalRow, outstanding.InexactFloat64())

	return f, nil
}

// WriteStatementExcel streams the SOA workbook as an xlsx attachment.
func WriteStatementExcel(ctx context.Context, w http.ResponseWriter, statement *models.Statement) error {

	f, err := BuildStatementWorkbook(ctx, statement)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+statement.Reference+".xlsx")
	return f.Write(w)
}
