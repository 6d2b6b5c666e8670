package knowledge

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	officelicense "github.com/unidoc/unioffice/common/license"
	"github.com/unidoc/unioffice/document"
	"github.com/unidoc/unioffice/spreadsheet"
	pdflicense "github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"
)

// SetLicenseKey 设置unidoc计量许可证，未设置时PDF/Office文本提取会失败
func SetLicenseKey(key string) error {
	if key == "" {
		return nil
	}
	if err := pdflicense.SetMeteredKey(key); err != nil {
		return fmt.Errorf("设置unipdf许可证失败: %w", err)
	}
	if err := officelicense.SetMeteredKey(key); err != nil {
		return fmt.Errorf("设置unioffice许可证失败: %w", err)
	}
	return nil
}

// Page 解析后的一页文本，Number从0开始
type Page struct {
	Number int
	Text   string
}

// FileParser 文件解析器接口
type FileParser interface {
	Parse(reader io.Reader, filename string) ([]Page, error)
	Extensions() []string
}

func supports(p FileParser, filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range p.Extensions() {
		if e == ext {
			return true
		}
	}
	return false
}

// TextParser 文本文件解析器，整个文件作为第0页
type TextParser struct{}

func (p *TextParser) Extensions() []string { return []string{".txt", ".md", ".markdown"} }

func (p *TextParser) Parse(reader io.Reader, filename string) ([]Page, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	return []Page{{Number: 0, Text: string(content)}}, nil
}

// extractPageText 单页文本提取，测试中可替换
var extractPageText = func(page *model.PdfPage) (string, error) {
	ex, err := extractor.New(page)
	if err != nil {
		return "", err
	}
	return ex.ExtractText()
}

// PDFParser PDF文件解析器，每个PDF页对应一个Page
type PDFParser struct{}

func (p *PDFParser) Extensions() []string { return []string{".pdf"} }

func (p *PDFParser) Parse(reader io.Reader, filename string) ([]Page, error) {
	pdfBytes, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("读取PDF文件失败: %w", err)
	}

	pdfReader, err := model.NewPdfReader(bytes.NewReader(pdfBytes))
	if err != nil {
		return nil, fmt.Errorf("解析PDF失败: %w", err)
	}

	numPages, err := pdfReader.GetNumPages()
	if err != nil {
		return nil, fmt.Errorf("获取PDF页数失败: %w", err)
	}

	// 单页失败跳过，全部失败时返回第一个错误
	var firstErr error
	pages := make([]Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page, err := pdfReader.GetPage(i)
		if err == nil {
			var text string
			if text, err = extractPageText(page); err == nil {
				pages = append(pages, Page{Number: i - 1, Text: text})
				continue
			}
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("第%d页: %w", i, err)
		}
	}

	if len(pages) == 0 && firstErr != nil {
		return nil, fmt.Errorf("PDF文本提取失败(%s): %w", filename, firstErr)
	}
	return pages, nil
}

// WordParser Word文档解析器，.doc不支持
type WordParser struct{}

func (p *WordParser) Extensions() []string { return []string{".docx"} }

func (p *WordParser) Parse(reader io.Reader, filename string) ([]Page, error) {
	docBytes, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("读取Word文件失败: %w", err)
	}

	doc, err := document.Read(bytes.NewReader(docBytes), int64(len(docBytes)))
	if err != nil {
		return nil, fmt.Errorf("解析Word文档失败: %w", err)
	}
	defer doc.Close()

	// docx没有稳定的分页信息，全部作为第0页
	var textBuilder strings.Builder
	for _, para := range doc.Paragraphs() {
		for _, run := range para.Runs() {
			textBuilder.WriteString(run.Text())
		}
		textBuilder.WriteString("\n")
	}

	return []Page{{Number: 0, Text: textBuilder.String()}}, nil
}

// ExcelParser 检验单等表格，每个工作表作为一页，单元格以制表符分隔
type ExcelParser struct{}

func (p *ExcelParser) Extensions() []string { return []string{".xlsx"} }

func (p *ExcelParser) Parse(reader io.Reader, filename string) ([]Page, error) {
	excelBytes, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("读取Excel文件失败: %w", err)
	}

	ss, err := spreadsheet.Read(bytes.NewReader(excelBytes), int64(len(excelBytes)))
	if err != nil {
		return nil, fmt.Errorf("解析Excel文档失败: %w", err)
	}
	defer ss.Close()

	var pages []Page
	for i, sheet := range ss.Sheets() {
		var textBuilder strings.Builder
		fmt.Fprintf(&textBuilder, "Sheet: %s\n", sheet.Name())
		for _, row := range sheet.Rows() {
			var rowText []string
			for _, cell := range row.Cells() {
				rowText = append(rowText, cell.GetString())
			}
			if len(rowText) > 0 {
				textBuilder.WriteString(strings.Join(rowText, "\t"))
				textBuilder.WriteString("\n")
			}
		}
		pages = append(pages, Page{Number: i, Text: textBuilder.String()})
	}

	return pages, nil
}

// FileParserManager 文件解析器管理器
type FileParserManager struct {
	parsers []FileParser
}

func NewFileParserManager() *FileParserManager {
	return &FileParserManager{
		parsers: []FileParser{
			&PDFParser{},
			&WordParser{},
			&ExcelParser{},
			&TextParser{},
		},
	}
}

// Supports 是否有解析器支持该文件
func (m *FileParserManager) Supports(filename string) bool {
	for _, parser := range m.parsers {
		if supports(parser, filename) {
			return true
		}
	}
	return false
}

// ParseFile 解析文件，返回按页组织的文本
func (m *FileParserManager) ParseFile(reader io.Reader, filename string) ([]Page, error) {
	for _, parser := range m.parsers {
		if supports(parser, filename) {
			return parser.Parse(reader, filename)
		}
	}
	return nil, fmt.Errorf("不支持的文件格式: %s", filename)
}

// GetSupportedFormats 获取支持的文件格式
func (m *FileParserManager) GetSupportedFormats() []string {
	formats := make(map[string]bool)
	for _, parser := range m.parsers {
		for _, ext := range parser.Extensions() {
			formats[ext] = true
		}
	}

	result := make([]string, 0, len(formats))
	for format := range formats {
		result = append(result, format)
	}
	sort.Strings(result)
	return result
}

// AllowedFormats 上传白名单：配置为空时取全部支持格式，否则去掉无解析器的扩展名
func (m *FileParserManager) AllowedFormats(configured []string) []string {
	if len(configured) == 0 {
		return m.GetSupportedFormats()
	}
	var result []string
	for _, ext := range configured {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if m.Supports("x" + ext) {
			result = append(result, ext)
		}
	}
	return result
}
