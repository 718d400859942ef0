package document

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dslipak/pdf"
)

// PDFInfo 源 PDF 的页数与逐页文本（用于目录识别与语义路由）
type PDFInfo struct {
	reader *pdf.Reader
}

// OpenPDF 读取 PDF 文件
func OpenPDF(path string) (*PDFInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开 PDF 失败: %w", err)
	}
	defer f.Close()
	return ReadPDF(f)
}

// ReadPDF 从 reader 读取 PDF，pdf.NewReader 需要 ReaderAt 所以先读入内存
func ReadPDF(r io.Reader) (*PDFInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("读取 PDF 内容失败: %w", err)
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("解析 PDF 失败: %w", err)
	}
	return &PDFInfo{reader: reader}, nil
}

// PageCount 页数
func (p *PDFInfo) PageCount() int {
	return p.reader.NumPage()
}

// PageText 第 n 页的纯文本，无法解析时返回空串
func (p *PDFInfo) PageText(n int) string {
	if n < 1 || n > p.reader.NumPage() {
		return ""
	}
	page := p.reader.Page(n)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// Outline 前 n 页文本拼接，供语义路由识别章节
func (p *PDFInfo) Outline(n int) string {
	var b strings.Builder
	for i := 1; i <= n && i <= p.PageCount(); i++ {
		if text := p.PageText(i); text != "" {
			fmt.Fprintf(&b, "--- page %d ---\n%s\n", i, text)
		}
	}
	return b.String()
}
