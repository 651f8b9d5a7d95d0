package installer

// nsisTemplate is compiled by makensis into a Windows setup executable
const nsisTemplate = `; Generated by phpack
Unicode true
Name "{{.AppName}}"
OutFile "{{.OutFile}}"
InstallDir "{{.InstallDir}}"
RequestExecutionLevel admin
{{- if .Icon}}
Icon "{{.Icon}}"
{{- end}}

VIProductVersion "{{.FileVersion}}"
VIAddVersionKey "ProductName" "{{.AppName}}"
VIAddVersionKey "FileDescription" "{{.Description}}"
VIAddVersionKey "ProductVersion" "{{.AppVersion}}"

Page directory
Page instfiles
{{- if .Uninstaller}}
UninstPage uninstConfirm
UninstPage instfiles
{{- end}}

Section "Install"
  SetOutPath "$INSTDIR"
  File /r "{{.SourceDir}}\*.*"
{{- if .StartMenuFolder}}
  CreateDirectory "$SMPROGRAMS\{{.StartMenuFolder}}"
  CreateShortcut "$SMPROGRAMS\{{.StartMenuFolder}}\{{.AppName}}.lnk" "$INSTDIR\{{.Executable}}"
{{- end}}
{{- if .DesktopShortcut}}
  CreateShortcut "$DESKTOP\{{.AppName}}.lnk" "$INSTDIR\{{.Executable}}"
{{- end}}
{{- if .AddToPath}}
  EnVar::AddValue "PATH" "$INSTDIR"
{{- end}}
{{- if .Uninstaller}}
  WriteUninstaller "$INSTDIR\uninstall.exe"
  WriteRegStr HKLM "Software\Microsoft\Windows\CurrentVersion\Uninstall\{{.Slug}}" "DisplayName" "{{.AppName}}"
  WriteRegStr HKLM "Software\Microsoft\Windows\CurrentVersion\Uninstall\{{.Slug}}" "DisplayVersion" "{{.AppVersion}}"
  WriteRegStr HKLM "Software\Microsoft\Windows\CurrentVersion\Uninstall\{{.Slug}}" "UninstallString" "$\"$INSTDIR\uninstall.exe$\""
{{- end}}
SectionEnd
{{- if .Uninstaller}}

Section "Uninstall"
{{- if .StartMenuFolder}}
  RMDir /r "$SMPROGRAMS\{{.StartMenuFolder}}"
{{- end}}
{{- if .DesktopShortcut}}
  Delete "$DESKTOP\{{.AppName}}.lnk"
{{- end}}
{{- if .AddToPath}}
  EnVar::DeleteValue "PATH" "$INSTDIR"
{{- end}}
  DeleteRegKey HKLM "Software\Microsoft\Windows\CurrentVersion\Uninstall\{{.Slug}}"
  RMDir /r "$INSTDIR"
SectionEnd
{{- end}}
`

// uninstallCmdTemplate ships inside portable Windows archives
const uninstallCmdTemplate = "@echo off\r\n" +
	"setlocal\r\n" +
	"set /p CONFIRM=Remove {{.AppName}} from %~dp0? [y/N] \r\n" +
	"if /i not \"%CONFIRM%\"==\"y\" exit /b 0\r\n" +
	"cd /d \"%TEMP%\"\r\n" +
	"rmdir /s /q \"%~dp0\"\r\n"

// uninstallShTemplate ships inside Linux and macOS archives
const uninstallShTemplate = `#!/bin/sh
# Removes {{.AppName}} {{.AppVersion}}
DIR="$(cd "$(dirname "$0")" && pwd)"
TARGET="$DIR{{if .Target}}/{{.Target}}{{end}}"
printf 'Remove {{.AppName}} from %s? [y/N] ' "$TARGET"
read -r answer
case "$answer" in
  y|Y) ;;
  *) exit 0 ;;
esac
{{- if .DesktopEntry}}
rm -f "$HOME/.local/share/applications/{{.DesktopEntry}}"
{{- end}}
rm -rf "$TARGET"
`
